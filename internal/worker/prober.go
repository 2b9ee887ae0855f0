package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Checker refreshes and reports backend availability.
type Checker interface {
	Probe(ctx context.Context) bool
}

type ProberConfig struct {
	Checker      Checker
	PollInterval time.Duration
	// OnChange is called with the first result and whenever it flips.
	OnChange func(available bool)
}

// Prober polls the object store so the save path can read a cached answer
// instead of probing per request.
type Prober struct {
	config *ProberConfig
	logger *zap.Logger
	done   chan struct{}
	exited chan struct{}
}

func NewProber(config *ProberConfig, logger *zap.Logger) *Prober {
	if config.PollInterval == 0 {
		config.PollInterval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{
		config: config,
		logger: logger.Named("prober"),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
}

func (p *Prober) Start(ctx context.Context) {
	go p.run(ctx)
	p.logger.Info("availability prober started", zap.Duration("interval", p.config.PollInterval))
}

func (p *Prober) Stop() {
	close(p.done)
	<-p.exited
	p.logger.Info("availability prober stopped")
}

func (p *Prober) run(ctx context.Context) {
	defer close(p.exited)

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	last, known := false, false
	check := func() {
		probeCtx, cancel := context.WithTimeout(ctx, p.config.PollInterval)
		defer cancel()

		available := p.config.Checker.Probe(probeCtx)
		if known && available == last {
			return
		}
		if available {
			p.logger.Info("object store available")
		} else {
			p.logger.Warn("object store unavailable, new uploads go to local disk")
		}
		last, known = available, true
		if p.config.OnChange != nil {
			p.config.OnChange(available)
		}
	}

	check()
	for {
		select {
		case <-p.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}
