// internal/device/session.go
package device

import (
	"context"
	"encoding/binary"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"validator-service/internal/ssp"
	"validator-service/internal/transport"
)

// Default session parameters, applied when the config leaves them zero.
const (
	DefaultPollInterval         = 200 * time.Millisecond
	DefaultResponseTimeout      = 1 * time.Second
	DefaultMaxRetries           = 3
	DefaultRetryBackoff         = 100 * time.Millisecond
	DefaultOfflineProbeInterval = 5 * time.Second
	DefaultProtocolVersion      = 7

	readChunkSize = 256
)

// errKeyNotSet marks a plaintext KEY_NOT_SET answer to an encrypted command:
// the device lost its key state, typically across a power cycle, and the
// session must be renegotiated from scratch.
var errKeyNotSet = errors.New("device answered KEY_NOT_SET to an encrypted command")

// Config configures one device session.
type Config struct {
	DeviceID             string        `json:"device_id"`
	Port                 string        `json:"port"`
	Mock                 bool          `json:"mock"`
	PollInterval         time.Duration `json:"poll_interval"`
	ResponseTimeout      time.Duration `json:"response_timeout"`
	MaxRetries           int           `json:"max_retries"`
	RetryBackoff         time.Duration `json:"retry_backoff"`
	OfflineProbeInterval time.Duration `json:"offline_probe_interval"`
	EncryptionRequired   bool          `json:"encryption_required"`
	Inhibits             uint16        `json:"inhibits"`
	ProtocolVersion      byte          `json:"protocol_version"`
}

func (c *Config) normalize() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = DefaultResponseTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.OfflineProbeInterval <= 0 {
		c.OfflineProbeInterval = DefaultOfflineProbeInterval
	}
	if c.Inhibits == 0 {
		c.Inhibits = 0xFFFF
	}
	if c.ProtocolVersion == 0 {
		c.ProtocolVersion = DefaultProtocolVersion
	}
}

// Command is one queued operation for a session. At most one command is on
// the wire at any time; the rest wait here in submission order.
type Command struct {
	ID       uuid.UUID
	Op       CommandOp
	Inhibits uint16    // SET_INHIBITS argument
	Deadline time.Time // zero means no deadline
	result   chan CommandResult
}

// NewCommand creates a command for the given operation.
func NewCommand(op CommandOp) *Command {
	return &Command{
		ID:     uuid.New(),
		Op:     op,
		result: make(chan CommandResult, 1),
	}
}

// CommandResult is the outcome of one command.
type CommandResult struct {
	State DeviceState `json:"state"`
	Data  []byte      `json:"data,omitempty"`
	Err   error       `json:"-"`
}

// LinkStats counts wire-level activity since the session started.
type LinkStats struct {
	FramesSent     uint64 `json:"frames_sent"`
	FramesReceived uint64 `json:"frames_received"`
	Retries        uint64 `json:"retries"`
	FrameErrors    uint64 `json:"frame_errors"`
}

// Status is a point-in-time snapshot of a session. Reading it never touches
// the wire and is served in every state, Offline and Failed included.
type Status struct {
	DeviceID        string            `json:"device_id"`
	State           DeviceState       `json:"state"`
	Encryption      NegotiationStatus `json:"encryption"`
	Port            string            `json:"port"`
	Mock            bool              `json:"mock"`
	SerialNumber    string            `json:"serial_number,omitempty"`
	Firmware        string            `json:"firmware,omitempty"`
	Country         string            `json:"country,omitempty"`
	ProtocolVersion byte              `json:"protocol_version,omitempty"`
	Channels        []Channel         `json:"channels,omitempty"`
	Link            LinkStats         `json:"link"`
	LastSeen        time.Time         `json:"last_seen,omitempty"`
	OfflineSince    time.Time         `json:"offline_since,omitempty"`
}

// Session owns the full exchange lifecycle with one validator: a single
// goroutine serializes commands and polls, so exactly one request is in
// flight on the link at any time.
type Session struct {
	config     Config
	transport  transport.Transport
	machine    *Machine
	negotiator *Negotiator
	bus        *Bus
	logger     *zap.Logger

	reader   ssp.FrameReader
	sequence bool

	commands chan *Command
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu           sync.RWMutex
	channels     []Channel
	serialNumber string
	firmware     string
	country      string
	protoVersion byte
	link         LinkStats
	lastSeen     time.Time
	offlineSince time.Time
}

// NewSession creates a session over an opened-on-Start transport.
func NewSession(config Config, tr transport.Transport, bus *Bus, logger *zap.Logger) *Session {
	config.normalize()
	return &Session{
		config:     config,
		transport:  tr,
		machine:    NewMachine(),
		negotiator: NewNegotiator(logger.With(zap.String("device_id", config.DeviceID))),
		bus:        bus,
		logger:     logger.With(zap.String("device_id", config.DeviceID)),
		commands:   make(chan *Command, 32),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start opens the transport and launches the session loop.
func (s *Session) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop shuts the session down, failing any queued commands, and waits for
// the loop to exit or the context to end.
func (s *Session) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit queues a command and waits for its result. Status reads are served
// immediately from the snapshot without entering the queue.
func (s *Session) Submit(ctx context.Context, cmd *Command) (CommandResult, error) {
	if cmd.Op == OpGetStatus {
		return CommandResult{State: s.machine.State()}, nil
	}
	if cmd.result == nil {
		cmd.result = make(chan CommandResult, 1)
	}

	// The command channel is buffered, so an enqueue would still succeed
	// after the loop is gone. Refuse up front once it has stopped.
	select {
	case <-s.stopCh:
		return CommandResult{}, &DeviceUnavailableError{DeviceID: s.config.DeviceID, Reason: "session stopped"}
	case <-s.done:
		return CommandResult{}, &DeviceUnavailableError{DeviceID: s.config.DeviceID, Reason: "session stopped"}
	default:
	}

	select {
	case s.commands <- cmd:
	case <-s.stopCh:
		return CommandResult{}, &DeviceUnavailableError{DeviceID: s.config.DeviceID, Reason: "session stopped"}
	case <-ctx.Done():
		return CommandResult{}, ctx.Err()
	}

	select {
	case res := <-cmd.result:
		return res, res.Err
	case <-s.done:
		// The loop drains the queue before done closes, so a result is
		// normally already buffered. A command that raced past the drain
		// fails here instead of blocking on a dead queue.
		select {
		case res := <-cmd.result:
			return res, res.Err
		default:
			return CommandResult{}, &DeviceUnavailableError{DeviceID: s.config.DeviceID, Reason: "session stopped"}
		}
	case <-ctx.Done():
		return CommandResult{}, ctx.Err()
	}
}

// Snapshot returns the current status.
func (s *Session) Snapshot() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	channels := make([]Channel, len(s.channels))
	copy(channels, s.channels)
	return Status{
		DeviceID:        s.config.DeviceID,
		State:           s.machine.State(),
		Encryption:      s.negotiator.Status(),
		Port:            s.config.Port,
		Mock:            s.config.Mock,
		SerialNumber:    s.serialNumber,
		Firmware:        s.firmware,
		Country:         s.country,
		ProtocolVersion: s.protoVersion,
		Channels:        channels,
		Link:            s.link,
		LastSeen:        s.lastSeen,
		OfflineSince:    s.offlineSince,
	}
}

// Channels returns the denomination table learned at initialization.
func (s *Session) Channels() []Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	channels := make([]Channel, len(s.channels))
	copy(channels, s.channels)
	return channels
}

// DeviceID returns the session's device identifier.
func (s *Session) DeviceID() string {
	return s.config.DeviceID
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer s.transport.Close()

	if err := s.transport.Open(ctx); err != nil {
		s.goOffline(err)
	} else if err := s.initialize(ctx); err != nil {
		s.logger.Warn("Initialization failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	var lastProbe time.Time

	for {
		// Commands take priority over the poll cadence.
		select {
		case cmd := <-s.commands:
			s.handleCommand(ctx, cmd)
			continue
		default:
		}

		select {
		case <-s.stopCh:
			s.drain()
			return
		case <-ctx.Done():
			s.drain()
			return
		case cmd := <-s.commands:
			s.handleCommand(ctx, cmd)
		case <-ticker.C:
			switch s.machine.State() {
			case StateOffline:
				if time.Since(lastProbe) >= s.config.OfflineProbeInterval {
					lastProbe = time.Now()
					s.probe(ctx)
				}
			case StateFailed, StateUninitialized:
				// Nothing to do until an operator intervenes.
			case StateResetting:
				if err := s.initialize(ctx); err != nil {
					s.logger.Warn("Reinitialization failed", zap.Error(err))
				}
			default:
				s.pollCycle(ctx)
			}
		}
	}
}

// drain fails every still-queued command so no submitter blocks forever.
func (s *Session) drain() {
	for {
		select {
		case cmd := <-s.commands:
			cmd.result <- CommandResult{
				State: s.machine.State(),
				Err:   &DeviceUnavailableError{DeviceID: s.config.DeviceID, Reason: "session stopped"},
			}
		default:
			return
		}
	}
}

// initialize brings a freshly connected or reset device to Idle: SYNC,
// HOST_PROTOCOL_VERSION, SETUP_REQUEST, serial number, inhibit mask, and the
// key exchange when encryption is required.
func (s *Session) initialize(ctx context.Context) error {
	s.machine.set(StateResetting)
	s.negotiator.Reset()
	s.sequence = false
	s.reader.Reset()

	if _, err := s.transactOK(ctx, ssp.Command(ssp.CmdSync), "sync"); err != nil {
		return s.initFailed(err)
	}

	// Keys are negotiated right after SYNC so the rest of the setup travels
	// encrypted. A device that kept an old session alive across a comms outage
	// would reject plaintext setup commands otherwise.
	if s.config.EncryptionRequired {
		s.machine.set(StateNegotiatingEncryption)
		if err := s.negotiator.Negotiate(s.exchangeFunc(ctx)); err != nil {
			s.fail(err)
			return err
		}
	}

	if _, err := s.transactOK(ctx, ssp.HostProtocolVersionPayload(s.config.ProtocolVersion), "host protocol version"); err != nil {
		return s.initFailed(err)
	}

	setupResp, err := s.transactOK(ctx, ssp.Command(ssp.CmdSetupRequest), "setup request")
	if err != nil {
		return s.initFailed(err)
	}
	setup, err := ssp.ParseSetupResponse(setupResp.Data)
	if err != nil {
		return s.initFailed(&ProtocolError{Reason: "setup response", Err: err})
	}

	serialResp, err := s.transactOK(ctx, ssp.Command(ssp.CmdGetSerialNumber), "serial number")
	if err != nil {
		return s.initFailed(err)
	}

	if _, err := s.transactOK(ctx, ssp.SetInhibitsPayload(s.config.Inhibits), "set inhibits"); err != nil {
		return s.initFailed(err)
	}

	// Drain the reset report the device queued at power-up so the first real
	// poll cycle starts from a clean slate.
	if _, err := s.transactOK(ctx, ssp.Command(ssp.CmdPoll), "initial poll"); err != nil {
		return s.initFailed(err)
	}

	s.storeIdentity(setup, serialResp.Data)

	s.machine.set(StateIdle)
	s.touch()
	s.mu.Lock()
	s.offlineSince = time.Time{}
	s.mu.Unlock()
	s.publish(EventDeviceOnline, 0, "")
	s.logger.Info("Device initialized",
		zap.String("firmware", s.firmware),
		zap.String("country", s.country),
		zap.Int("channels", len(s.channels)),
	)
	return nil
}

func (s *Session) initFailed(err error) error {
	s.goOffline(err)
	return err
}

func (s *Session) storeIdentity(setup *ssp.UnitSetup, serial []byte) {
	country := strings.TrimSpace(setup.Country)
	channels := make([]Channel, 0, len(setup.Channels))
	for _, cd := range setup.Channels {
		channels = append(channels, Channel{
			Number:   int(cd.Channel),
			Value:    decimal.New(int64(cd.Value), -2),
			Currency: country,
			Enabled:  s.config.Inhibits&(1<<(cd.Channel-1)) != 0,
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.firmware = strings.TrimSpace(setup.Firmware)
	s.country = country
	s.protoVersion = setup.ProtocolVersion
	s.channels = channels
	if len(serial) >= 4 {
		s.serialNumber = formatSerial(binary.BigEndian.Uint32(serial[:4]))
	}
}

// probe sends a single SYNC at the slow offline cadence. A reply triggers a
// full reinitialization.
func (s *Session) probe(ctx context.Context) {
	if !s.transport.IsOpen() {
		if err := s.transport.Open(ctx); err != nil {
			s.logger.Debug("Offline probe: port still unavailable", zap.Error(err))
			return
		}
	}

	s.sequence = false
	s.reader.Reset()
	if _, err := s.exchangeOnce(ctx, ssp.Encode(ssp.Frame{
		Address:  ssp.DefaultAddress,
		Sequence: s.sequence,
		Data:     ssp.Command(ssp.CmdSync),
	}), false); err != nil {
		s.logger.Debug("Offline probe: no response", zap.Error(err))
		return
	}

	s.logger.Info("Device responded to offline probe, reinitializing")
	if err := s.initialize(ctx); err != nil {
		s.logger.Warn("Reinitialization after probe failed", zap.Error(err))
	}
}

// pollCycle sends one POLL and folds the reported events into the state.
func (s *Session) pollCycle(ctx context.Context) {
	if _, err := NextStateForCommand(s.machine.State(), OpPoll); err != nil {
		return
	}

	resp, err := s.transact(ctx, ssp.Command(ssp.CmdPoll))
	if err != nil {
		s.dispatchFailure(err)
		return
	}
	s.touch()
	if !resp.Code.OK() {
		s.logger.Warn("Poll rejected", zap.String("code", resp.Code.String()))
		return
	}

	events, err := ssp.ParsePollEvents(resp.Data)
	if err != nil {
		s.logger.Warn("Unparseable poll response", zap.Error(err))
		return
	}

	for _, ev := range events {
		out := s.machine.ApplyPollEvent(ev)
		if out.Next == StateResetting && ev.Code == ssp.EventSlaveReset {
			// The device restarted on its own; its key state is gone.
			s.negotiator.Reset()
			s.logger.Warn("Device reported spontaneous reset")
		}
		if out.Emit {
			s.publish(out.EventType, int(ev.Channel), ev.String())
		}
	}
}

// handleCommand validates, dispatches and answers one queued command.
func (s *Session) handleCommand(ctx context.Context, cmd *Command) {
	logger := s.logger.With(
		zap.String("command_id", cmd.ID.String()),
		zap.String("op", string(cmd.Op)),
	)

	if !cmd.Deadline.IsZero() && time.Now().After(cmd.Deadline) {
		logger.Warn("Command expired in queue")
		cmd.result <- CommandResult{State: s.machine.State(), Err: &TimeoutError{Op: string(cmd.Op)}}
		return
	}

	state := s.machine.State()
	if state == StateOffline && cmd.Op != OpReset {
		cmd.result <- CommandResult{State: state, Err: &DeviceUnavailableError{DeviceID: s.config.DeviceID, Reason: "device offline"}}
		return
	}
	if state == StateFailed {
		cmd.result <- CommandResult{State: state, Err: &DeviceUnavailableError{DeviceID: s.config.DeviceID, Reason: "session failed"}}
		return
	}

	// Validate against the transition table before anything touches the wire.
	next, err := NextStateForCommand(state, cmd.Op)
	if err != nil {
		logger.Warn("Command rejected by state machine", zap.String("state", string(state)))
		cmd.result <- CommandResult{State: state, Err: err}
		return
	}

	switch cmd.Op {
	case OpSyncKeys:
		cmd.result <- s.handleSyncKeys(ctx)
		return
	case OpReset:
		cmd.result <- s.handleReset(ctx)
		return
	}

	payload, perr := commandPayload(cmd)
	if perr != nil {
		cmd.result <- CommandResult{State: state, Err: perr}
		return
	}

	resp, err := s.transact(ctx, payload)
	if err != nil {
		s.dispatchFailure(err)
		cmd.result <- CommandResult{State: s.machine.State(), Err: err}
		return
	}
	s.touch()
	if !resp.Code.OK() {
		logger.Warn("Device rejected command", zap.String("code", resp.Code.String()))
		cmd.result <- CommandResult{
			State: state,
			Err:   &ProtocolError{Reason: "device answered " + resp.Code.String()},
		}
		return
	}

	// Commit the transition only after the device accepted the command.
	s.machine.set(next)
	s.afterCommand(cmd, state, next)

	logger.Info("Command completed", zap.String("state", string(next)))
	cmd.result <- CommandResult{State: next, Data: resp.Data}
}

// afterCommand publishes the domain events an accepted command implies.
func (s *Session) afterCommand(cmd *Command, prev, next DeviceState) {
	switch {
	case cmd.Op == OpEnable && prev != StateEnabled && next == StateEnabled:
		s.publish(EventDeviceEnabled, 0, "")
	case cmd.Op == OpDisable && prev != StateDisabled && next == StateDisabled:
		s.publish(EventDeviceDisabled, 0, "")
	case cmd.Op == OpSetInhibits:
		s.mu.Lock()
		for i := range s.channels {
			s.channels[i].Enabled = cmd.Inhibits&(1<<(s.channels[i].Number-1)) != 0
		}
		s.mu.Unlock()
	}
}

func (s *Session) handleReset(ctx context.Context) CommandResult {
	if !s.transport.IsOpen() {
		if err := s.transport.Open(ctx); err != nil {
			return CommandResult{State: s.machine.State(), Err: &TransportError{Op: "open", Err: err}}
		}
	}

	resp, err := s.transact(ctx, ssp.Command(ssp.CmdReset))
	if err != nil {
		s.dispatchFailure(err)
		return CommandResult{State: s.machine.State(), Err: err}
	}
	if !resp.Code.OK() {
		return CommandResult{State: s.machine.State(), Err: &ProtocolError{Reason: "device answered " + resp.Code.String()}}
	}

	// The device reboots now; the loop reinitializes on the next tick.
	s.machine.set(StateResetting)
	s.negotiator.Reset()
	return CommandResult{State: StateResetting}
}

func (s *Session) handleSyncKeys(ctx context.Context) CommandResult {
	s.machine.set(StateNegotiatingEncryption)
	s.negotiator.Reset()
	if err := s.negotiator.Negotiate(s.exchangeFunc(ctx)); err != nil {
		s.fail(err)
		return CommandResult{State: StateFailed, Err: err}
	}
	s.machine.set(StateIdle)
	return CommandResult{State: StateIdle}
}

// commandPayload maps a queued operation onto its wire payload.
func commandPayload(cmd *Command) ([]byte, error) {
	switch cmd.Op {
	case OpEnable:
		return ssp.Command(ssp.CmdEnable), nil
	case OpDisable:
		return ssp.Command(ssp.CmdDisable), nil
	case OpReject:
		return ssp.Command(ssp.CmdReject), nil
	case OpStack:
		return ssp.Command(ssp.CmdStack), nil
	case OpHold:
		return ssp.Command(ssp.CmdHold), nil
	case OpSetInhibits:
		return ssp.SetInhibitsPayload(cmd.Inhibits), nil
	case OpSerialNumber:
		return ssp.Command(ssp.CmdGetSerialNumber), nil
	case OpUnitData:
		return ssp.Command(ssp.CmdUnitData), nil
	case OpChannelValues:
		return ssp.Command(ssp.CmdChannelValueData), nil
	case OpLastRejectCode:
		return ssp.Command(ssp.CmdLastRejectCode), nil
	case OpDisplayOn:
		return ssp.Command(ssp.CmdDisplayOn), nil
	case OpDisplayOff:
		return ssp.Command(ssp.CmdDisplayOff), nil
	default:
		return nil, &ProtocolError{Reason: "operation has no wire payload: " + string(cmd.Op)}
	}
}

// exchangeFunc adapts the transact path for the negotiator. Key-exchange
// commands travel in plaintext even when a previous session existed.
func (s *Session) exchangeFunc(ctx context.Context) ExchangeFunc {
	return func(payload []byte) (*ssp.Response, error) {
		return s.transact(ctx, payload)
	}
}

// transactOK runs transact and converts a non-OK response code into an error.
func (s *Session) transactOK(ctx context.Context, payload []byte, op string) (*ssp.Response, error) {
	resp, err := s.transact(ctx, payload)
	if err != nil {
		return nil, err
	}
	if !resp.Code.OK() {
		return nil, &ProtocolError{Reason: op + ": device answered " + resp.Code.String()}
	}
	return resp, nil
}

// transact sends one command and waits for its response, retrying up to
// MaxRetries times with non-decreasing backoff. Retransmissions reuse the
// exact wire bytes, sequence flag included, so the device can deduplicate a
// command whose response was lost. The flag toggles only after a response is
// accepted. Encryption failures are not retried.
func (s *Session) transact(ctx context.Context, payload []byte) (*ssp.Response, error) {
	data := payload
	wrapped := s.negotiator.Established()
	if wrapped {
		sealed, err := s.negotiator.Wrap(payload)
		if err != nil {
			return nil, err
		}
		data = sealed
	}

	raw := ssp.Encode(ssp.Frame{
		Address:  ssp.DefaultAddress,
		Sequence: s.sequence,
		Data:     data,
	})

	var lastErr error
	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		if attempt > 0 {
			s.bumpLink(func(l *LinkStats) { l.Retries++ })
			backoff := time.Duration(attempt) * s.config.RetryBackoff
			s.logger.Debug("Retrying command",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
			)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, err := s.exchangeOnce(ctx, raw, wrapped)
		if err != nil {
			var encErr *EncryptionError
			if errors.As(err, &encErr) {
				return nil, err
			}
			if ctx.Err() != nil {
				return nil, err
			}
			lastErr = err
			s.reader.Reset()
			continue
		}

		s.sequence = !s.sequence
		return resp, nil
	}
	return nil, lastErr
}

// exchangeOnce performs a single write-then-read round trip within the
// response timeout. For a command that went out under the session cipher the
// response must come back under it too: accepting a plaintext answer would
// let anyone on the link forge responses to encrypted commands.
func (s *Session) exchangeOnce(ctx context.Context, raw []byte, wrapped bool) (*ssp.Response, error) {
	deadline := time.Now().Add(s.config.ResponseTimeout)
	wctx, wcancel := context.WithDeadline(ctx, deadline)
	err := s.transport.Write(wctx, raw)
	wcancel()
	if err != nil {
		return nil, &TransportError{Op: "write", Err: err}
	}
	s.bumpLink(func(l *LinkStats) { l.FramesSent++ })

	for {
		if !time.Now().Before(deadline) {
			return nil, &TimeoutError{Op: "device response"}
		}

		rctx, rcancel := context.WithDeadline(ctx, deadline)
		chunk, err := s.transport.Read(rctx, readChunkSize)
		rcancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, &TimeoutError{Op: "device response"}
			}
			return nil, &TransportError{Op: "read", Err: err}
		}
		s.reader.Feed(chunk)

		body, ferr := s.reader.Next()
		if ferr != nil {
			s.bumpLink(func(l *LinkStats) { l.FrameErrors++ })
			return nil, &ProtocolError{Reason: "bad frame", Err: ferr}
		}
		if body == nil {
			continue
		}

		frame, err := ssp.Decode(body)
		if err != nil {
			s.bumpLink(func(l *LinkStats) { l.FrameErrors++ })
			return nil, &ProtocolError{Reason: "frame decode", Err: err}
		}
		s.bumpLink(func(l *LinkStats) { l.FramesReceived++ })
		if frame.Sequence != s.sequence {
			return nil, &ProtocolError{Reason: "sequence flag mismatch in response"}
		}

		payload := frame.Data
		switch {
		case len(payload) > 0 && payload[0] == ssp.STEX:
			payload, err = s.negotiator.Unwrap(payload)
			if err != nil {
				return nil, err
			}
		case wrapped:
			if len(payload) > 0 && ssp.ResponseCode(payload[0]) == ssp.RespKeyNotSet {
				return nil, &EncryptionError{Stage: "response", Err: errKeyNotSet}
			}
			return nil, &EncryptionError{Stage: "response", Err: errors.New("plaintext response to an encrypted command")}
		}
		return ssp.ParseResponse(payload)
	}
}

// dispatchFailure routes an exhausted-retries or cipher failure into the
// right terminal handling.
func (s *Session) dispatchFailure(err error) {
	var encErr *EncryptionError
	if errors.As(err, &encErr) {
		if errors.Is(err, errKeyNotSet) {
			// The device power-cycled and its key state is gone. Drop the
			// dead session and let the loop renegotiate from scratch.
			s.logger.Warn("Device lost its session key, reinitializing")
			s.negotiator.Reset()
			s.machine.set(StateResetting)
			return
		}
		s.fail(err)
		return
	}
	s.goOffline(err)
}

// goOffline marks the device Offline and publishes exactly one offline event
// per outage.
func (s *Session) goOffline(cause error) {
	if s.machine.State() == StateOffline {
		return
	}
	s.machine.set(StateOffline)
	s.mu.Lock()
	s.offlineSince = time.Now()
	s.mu.Unlock()
	s.logger.Error("Device went offline", zap.Error(cause))
	s.publish(EventDeviceOffline, 0, cause.Error())
}

// fail marks the session Failed. Failed is terminal: it is never probed and
// only an operator restart recovers it.
func (s *Session) fail(cause error) {
	if s.machine.State() == StateFailed {
		return
	}
	s.machine.set(StateFailed)
	s.logger.Error("Session failed", zap.Error(cause))
	s.publish(EventDeviceFailed, 0, cause.Error())
}

func (s *Session) publish(eventType EventType, channel int, detail string) {
	ev := Event{
		DeviceID:  s.config.DeviceID,
		Type:      eventType,
		Channel:   channel,
		Detail:    detail,
		Timestamp: time.Now(),
	}
	if channel > 0 {
		s.mu.RLock()
		for _, ch := range s.channels {
			if ch.Number == channel {
				ev.Value = ch.Value
				break
			}
		}
		s.mu.RUnlock()
	}
	s.bus.Publish(ev)
}

func (s *Session) bumpLink(fn func(*LinkStats)) {
	s.mu.Lock()
	fn(&s.link)
	s.mu.Unlock()
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func formatSerial(v uint32) string {
	return "SN-" + strconv.FormatUint(uint64(v), 10)
}
