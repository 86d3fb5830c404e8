package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/rennerdo30/heimdall/internal/backend"
	"github.com/rennerdo30/heimdall/internal/conn"
	"github.com/rennerdo30/heimdall/internal/supervisor"
)

// run is the single background loop. Commands, supervisor events and the
// tick all funnel through it, so user commands are applied the moment they
// arrive instead of waiting for the next tick.
func (o *Orchestrator) run(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.monitor.TickInterval.Duration())
	defer ticker.Stop()

	var tick uint64
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-o.commands:
			o.apply(ctx, cmd)
		case ev := <-o.sup.Events():
			o.handleExit(ctx, ev)
		case <-o.changed:
			o.fireChangeHook()
		case <-ticker.C:
			tick++
			o.tick(ctx, tick)
		}
	}
}

// fireChangeHook runs the registered change hook outside all machine locks.
func (o *Orchestrator) fireChangeHook() {
	o.mu.Lock()
	fn := o.onChange
	o.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// apply executes one queued user command against its state machine and
// kicks off the adapter side effect the machine asks for.
func (o *Orchestrator) apply(ctx context.Context, cmd command) {
	e, ok := o.entries[cmd.id]
	if !ok {
		return
	}
	now := time.Now()

	switch cmd.action {
	case conn.ActionConnect:
		// The availability gate runs before the machine ever enters
		// connecting: a missing binary is not an attempt worth retrying.
		if err := e.adapter.Available(); err != nil {
			msg := err.Error()
			if o.advisor != nil {
				if install, aerr := o.advisor.InstallCommand(e.adapter.Kind()); aerr == nil {
					msg += "; install with: " + install
				}
			}
			ferr := conn.NewError(conn.KindBackendUnavailable, msg)
			if err := e.machine.FailConnect(ferr, now); err != nil {
				o.logger.Debug("connect rejected", "connection_id", cmd.id, "error", err)
			}
			return
		}

		action, epoch, err := e.machine.CommandConnect(now)
		if err != nil {
			o.logger.Debug("connect rejected", "connection_id", cmd.id, "error", err)
			return
		}
		if action == conn.ActionConnect {
			o.wg.Add(1)
			go o.doConnect(ctx, e, epoch)
		}

	case conn.ActionDisconnect:
		action, epoch, err := e.machine.CommandDisconnect(now)
		if err != nil {
			o.logger.Debug("disconnect rejected", "connection_id", cmd.id, "error", err)
			return
		}
		if action == conn.ActionDisconnect {
			o.wg.Add(1)
			go o.doDisconnect(ctx, e, epoch)
		}
	}
}

// handleExit feeds an unexpected process exit into the machine it belongs
// to. The supervisor filters exits that were requested through Stop.
func (o *Orchestrator) handleExit(ctx context.Context, ev supervisor.Event) {
	e, ok := o.entries[ev.ID]
	if !ok {
		o.logger.Warn("exit event for unknown connection", "connection_id", ev.ID)
		return
	}
	if action := e.machine.ProcessExit(ev.ExitCode, ev.Time); action == conn.ActionDisconnect {
		o.wg.Add(1)
		go o.cleanup(ctx, e)
	}
}

// tick advances every machine's time-driven transitions, probes live
// tunnels, and sweeps device reachability every Nth round.
func (o *Orchestrator) tick(ctx context.Context, n uint64) {
	now := time.Now()

	for _, id := range o.order {
		e := o.entries[id]
		switch e.machine.Tick(now) {
		case conn.ActionConnect:
			epoch, _ := e.machine.Epoch()
			o.wg.Add(1)
			go o.doConnect(ctx, e, epoch)
		case conn.ActionDisconnect:
			o.wg.Add(1)
			go o.cleanup(ctx, e)
		}
	}

	o.probeAll(ctx)

	if n%uint64(o.monitor.DeviceSweepEvery) == 0 {
		o.sweepDevices(ctx)
	}
}

// probeAll launches bounded concurrent probes for every connection whose
// phase wants one. A connection with a probe already in flight is skipped
// so slow probes never pile up.
func (o *Orchestrator) probeAll(ctx context.Context) {
	for _, id := range o.order {
		e := o.entries[id]

		epoch, phase := e.machine.Epoch()
		if phase != conn.PhaseConnecting && phase != conn.PhaseConnected {
			continue
		}
		if !e.probeBusy.CompareAndSwap(false, true) {
			continue
		}

		o.wg.Add(1)
		go o.probe(ctx, e, epoch)
	}
}

// probe runs one adapter probe and applies the result. The semaphore
// bounds how many probes run concurrently across all connections.
func (o *Orchestrator) probe(ctx context.Context, e *entry, epoch uint64) {
	defer o.wg.Done()
	defer e.probeBusy.Store(false)

	select {
	case o.probeSem <- struct{}{}:
		defer func() { <-o.probeSem }()
	case <-ctx.Done():
		return
	}

	c := e.machine.Conn()
	pctx, cancel := context.WithTimeout(ctx, o.monitor.ProbeTimeout.Duration())
	defer cancel()

	start := time.Now()
	st, err := e.adapter.Probe(pctx, c)
	o.col.ObserveProbe(c.ID, time.Since(start))

	if err == nil && st.Up {
		o.col.SetTunnelTraffic(c.ID, st.RxBytes, st.TxBytes)
	}

	if action := e.machine.ObserveProbe(epoch, st, err, time.Now()); action == conn.ActionDisconnect {
		o.wg.Add(1)
		go o.cleanup(ctx, e)
	}
}

// sweepDevices runs one reachability sweep in the background. At most one
// sweep is in flight; a slow sweep skips rounds instead of stacking up.
func (o *Orchestrator) sweepDevices(ctx context.Context) {
	if len(o.cfg.Devices) == 0 {
		return
	}
	if !o.sweepBusy.CompareAndSwap(false, true) {
		return
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.sweepBusy.Store(false)

		o.tracker.Sweep(ctx)
		for _, st := range o.tracker.Statuses() {
			if st.CheckedAt.IsZero() {
				continue
			}
			o.col.SetDeviceOnline(st.Device.Name, st.Online)
		}
		o.signalChange()
	}()
}

// doConnect resolves credentials and runs the adapter connect. Success
// keeps the machine in connecting until a probe confirms the link.
func (o *Orchestrator) doConnect(ctx context.Context, e *entry, epoch uint64) {
	defer o.wg.Done()

	e.opMu.Lock()
	defer e.opMu.Unlock()

	// A command that arrived while we waited for the op lock supersedes
	// this attempt; the teardown it scheduled already cleaned up.
	if cur, phase := e.machine.Epoch(); cur != epoch || phase != conn.PhaseConnecting {
		return
	}

	c := e.machine.Conn()
	creds, err := o.resolveCredentials(c)
	if err == nil {
		cctx, cancel := context.WithTimeout(ctx, o.connectBudget())
		_, err = e.adapter.Connect(cctx, c, creds)
		cancel()
	}

	if action := e.machine.AdapterConnectResult(epoch, err, time.Now()); action == conn.ActionDisconnect {
		if terr := o.teardown(ctx, e); terr != nil {
			o.logger.Warn("teardown after failed connect",
				"connection_id", c.ID,
				"error", terr)
		}
	}
}

// doDisconnect runs a user-requested teardown and reports the result.
func (o *Orchestrator) doDisconnect(ctx context.Context, e *entry, epoch uint64) {
	defer o.wg.Done()

	e.opMu.Lock()
	defer e.opMu.Unlock()

	err := o.teardown(ctx, e)
	e.machine.AdapterDisconnectResult(epoch, err, time.Now())
}

// cleanup tears down the leftovers of a failed or superseded attempt
// without reporting a result; the machine has already moved on.
func (o *Orchestrator) cleanup(ctx context.Context, e *entry) {
	defer o.wg.Done()

	e.opMu.Lock()
	defer e.opMu.Unlock()
	if err := o.teardown(ctx, e); err != nil {
		o.logger.Warn("cleanup finished with error",
			"connection_id", e.machine.ID(),
			"error", err)
	}
}

// teardown calls the adapter disconnect with a bounded context. Callers
// hold the entry's op lock. A tunnel that was already down is not an
// error.
func (o *Orchestrator) teardown(ctx context.Context, e *entry) error {
	dctx, cancel := context.WithTimeout(ctx, o.disconnectBudget())
	defer cancel()

	err := e.adapter.Disconnect(dctx, e.machine.Conn())
	if errors.Is(err, supervisor.ErrNotRunning) || errors.Is(err, backend.ErrNotConnected) {
		return nil
	}
	return err
}

// connectBudget bounds one adapter connect call. The machine's connect
// timeout covers spawn plus probe confirmation, so the spawn itself gets
// the same ceiling.
func (o *Orchestrator) connectBudget() time.Duration {
	return o.monitor.ConnectTimeout.Duration()
}

// disconnectBudget bounds one adapter disconnect: the supervisor may use
// up to two grace periods (terminate, then kill), plus headroom.
func (o *Orchestrator) disconnectBudget() time.Duration {
	return 2*o.monitor.DisconnectGrace.Duration() + 5*time.Second
}
