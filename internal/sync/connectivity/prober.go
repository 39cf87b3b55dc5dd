package connectivity

import (
	"context"
	"net"
	"time"

	apperrors "github.com/kimhsiao/fitcoach/core/internal/errors"
	"github.com/kimhsiao/fitcoach/core/internal/logging"
	"github.com/kimhsiao/fitcoach/core/internal/models"
)

// HealthChecker calls the backend health endpoint. *api.Client satisfies it.
type HealthChecker interface {
	Health(ctx context.Context) (*models.Health, error)
}

// ProberConfig holds prober configuration.
type ProberConfig struct {
	Interval time.Duration // Time between probes (default: 15 seconds)
	Timeout  time.Duration // Health request timeout (default: 3 seconds)
}

// DefaultProberConfig returns the default prober configuration.
func DefaultProberConfig() *ProberConfig {
	return &ProberConfig{
		Interval: 15 * time.Second,
		Timeout:  3 * time.Second,
	}
}

// Prober produces Signals on hosts with no platform network callback: the
// link flag comes from the network interfaces, reachability from the API
// health endpoint.
type Prober struct {
	detector   *Detector
	health     HealthChecker
	interval   time.Duration
	timeout    time.Duration
	interfaces func() ([]net.Interface, error)
}

// NewProber creates a Prober that feeds detector.
func NewProber(detector *Detector, health HealthChecker, config *ProberConfig) *Prober {
	def := DefaultProberConfig()
	if config == nil {
		config = def
	}
	p := &Prober{
		detector:   detector,
		health:     health,
		interval:   config.Interval,
		timeout:    config.Timeout,
		interfaces: net.Interfaces,
	}
	if p.interval <= 0 {
		p.interval = def.Interval
	}
	if p.timeout <= 0 {
		p.timeout = def.Timeout
	}
	return p
}

// Probe takes one reading. Reachability is left unknown when there is no
// link, because the health call could not tell anything new.
func (p *Prober) Probe(ctx context.Context) Signal {
	sig := Signal{IsConnected: p.linkUp()}
	if !sig.IsConnected {
		return sig
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	_, err := p.health.Health(ctx)
	switch {
	case err == nil:
		sig.IsInternetReachable = Reachable(true)
	case apperrors.IsServerRejected(err):
		// The server answered, so the path to it works.
		sig.IsInternetReachable = Reachable(true)
	case apperrors.IsNetwork(err):
		sig.IsInternetReachable = Reachable(false)
	default:
		logging.Debug("Health probe inconclusive", map[string]interface{}{
			"component": "connectivity",
			"error":     err.Error(),
		})
	}
	return sig
}

// Run probes immediately and then on every interval, pushing each reading
// into the detector. It returns when ctx is done.
func (p *Prober) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		sig := p.Probe(ctx)
		if ctx.Err() != nil {
			return nil
		}
		p.detector.Update(sig)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (p *Prober) linkUp() bool {
	ifaces, err := p.interfaces()
	if err != nil {
		logging.Warn("Cannot list network interfaces", map[string]interface{}{
			"component": "connectivity",
			"error":     err.Error(),
		})
		// Unknown link state: let the health probe decide.
		return true
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp != 0 && iface.Flags&net.FlagLoopback == 0 {
			return true
		}
	}
	return false
}
