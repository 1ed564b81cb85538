// Package runtime owns every long-lived part of the bot: the session and
// its reconnect scheduler, the plugin registry and watcher, the dispatcher,
// the store and the background tasks. Connection updates and reconnect
// timer fires are serialised through a single event loop.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"unicorn/internal/admin"
	"unicorn/internal/backend"
	"unicorn/internal/clock"
	"unicorn/internal/config"
	"unicorn/internal/credentials"
	"unicorn/internal/diagnostics"
	"unicorn/internal/dispatch"
	"unicorn/internal/housekeeping"
	"unicorn/internal/logging"
	"unicorn/internal/plugins"
	"unicorn/internal/probe"
	"unicorn/internal/reconnect"
	"unicorn/internal/session"
	"unicorn/internal/store"
)

// stateDead is the status connection state after a fatal verdict.
const stateDead = "dead"

const (
	loopBuffer     = 64
	dispatchBuffer = 256
	sendTimeout    = 30 * time.Second
)

// Options configures a Runtime.
type Options struct {
	Config *config.Config
	// Credentials are sent with every dial.
	Credentials json.RawMessage
	// Dialer defaults to the websocket backend.
	Dialer backend.Dialer
	// Clock drives reconnect timers and housekeeping; defaults to the real
	// clock.
	Clock clock.Clock
	// PrintQR asks the backend for QR login codes.
	PrintQR bool
	// PairingCode asks the backend for a pairing code for
	// Config.Session.PairingNumber.
	PairingCode bool
	// Probes are the tool checks run at startup; nil runs
	// probe.DefaultChecks, an empty slice runs none.
	Probes []probe.Check
	// Stderr receives the fatal banner; defaults to os.Stderr.
	Stderr io.Writer
	// ExitOnFatal makes Run return a *reconnect.FatalError on the first
	// fatal verdict. Otherwise the runtime stays up, reports the verdict
	// on /status and keeps handling signals until ctx is cancelled.
	ExitOnFatal bool
}

// Runtime is the bot process. Create it with New and drive it with Run.
type Runtime struct {
	cfg    *config.Config
	opts   Options
	clock  clock.Clock
	stderr io.Writer
	log    *zap.SugaredLogger

	store        *store.Store
	session      *session.Session
	scheduler    *reconnect.Scheduler
	registry     *plugins.Registry
	loader       *plugins.Loader
	watcher      *plugins.Watcher
	dispatcher   *dispatch.Dispatcher
	housekeeping *housekeeping.Runner
	admin        *admin.Server

	loopCh     chan loopMsg
	dispatchCh chan backend.Event
	done       chan struct{}
	doneOnce   sync.Once

	// current is the handle events are accepted from. It is published as
	// soon as a dial succeeds, before listeners are bound.
	current   atomic.Pointer[handleRef]
	connected atomic.Bool
	welcomed  bool

	statusMu sync.Mutex
	status   admin.Status
	support  probe.Support
}

type handleRef struct {
	h backend.Handle
}

type loopMsg struct {
	handleID string
	update   *backend.ConnectionUpdate
	fire     bool
	gen      uint64
}

// New builds the runtime and opens the store. Nothing connects until Run.
func New(opts Options) (*Runtime, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	r := &Runtime{
		cfg:        cfg,
		opts:       opts,
		clock:      opts.Clock,
		stderr:     opts.Stderr,
		log:        logging.Get(logging.CategoryBoot),
		loopCh:     make(chan loopMsg, loopBuffer),
		dispatchCh: make(chan backend.Event, dispatchBuffer),
		done:       make(chan struct{}),
	}
	if r.clock == nil {
		r.clock = clock.Real()
	}
	if r.stderr == nil {
		r.stderr = os.Stderr
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = backend.NewWSDialer()
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	r.store = st

	r.scheduler = reconnect.NewScheduler(PolicyFromConfig(cfg), r.clock, r.notifyFire)

	sess, err := session.New(&publishingDialer{Dialer: dialer, publish: r.publish}, r.dialConfig(), r.bindings())
	if err != nil {
		st.Close()
		return nil, err
	}
	r.session = sess

	r.registry = plugins.NewRegistry()
	r.loader = plugins.NewLoader(cfg.Plugins.AllowedImports, cfg.GetLoadTimeout())
	w, err := plugins.NewWatcher(cfg.Plugins.Dir, cfg.Plugins.Extension, r.loader, r.registry, cfg.GetDebounce())
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to create plugin watcher: %w", err)
	}
	r.watcher = w
	r.dispatcher = dispatch.New(r.registry, cfg.Plugins.Prefix, senderFunc(r.send))

	r.housekeeping = housekeeping.NewRunner(r.clock,
		housekeeping.StoreCheckpoint(st, cfg.GetCheckpointInterval()),
		housekeeping.PreKeyCleanup(cfg.Session.CredsDir, cfg.GetPreKeyInterval(), r.connected.Load),
		housekeeping.TempCleanup(cfg.Housekeeping.TmpDir, cfg.GetTmpInterval(), cfg.GetTmpMaxAge(), r.clock.Now),
	)

	if cfg.Admin.Enabled {
		r.admin = admin.NewServer(r, r.registry)
	}

	r.status = admin.Status{Name: cfg.Name, Connection: "idle"}
	return r, nil
}

// PolicyFromConfig builds the reconnect policy from cfg.
func PolicyFromConfig(cfg *config.Config) reconnect.Policy {
	return reconnect.Policy{
		MaxAttempts:  cfg.Reconnect.MaxAttempts,
		BaseDelay:    cfg.GetBaseDelay(),
		RestartDelay: cfg.GetRestartDelay(),
		TimeoutDelay: cfg.GetTimeoutDelay(),
	}
}

func (r *Runtime) dialConfig() backend.DialConfig {
	dc := backend.DialConfig{
		URL:          r.cfg.Backend.URL,
		Credentials:  r.opts.Credentials,
		Browser:      r.cfg.Backend.Browser,
		DialTimeout:  r.cfg.GetDialTimeout(),
		PingInterval: r.cfg.GetPingInterval(),
		PongTimeout:  r.cfg.GetPongTimeout(),
		PrintQR:      r.opts.PrintQR,
	}
	if r.opts.PairingCode {
		dc.PairingNumber = r.cfg.Session.PairingNumber
	}
	return dc
}

// Run starts everything, connects and serves until ctx is cancelled.
// With Options.ExitOnFatal it also stops on a fatal verdict and returns a
// *reconnect.FatalError. Shutdown is complete when Run returns.
func (r *Runtime) Run(ctx context.Context) error {
	defer logging.Recover(logging.CategoryBoot, "runtime")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.setStatus(func(s *admin.Status) { s.StartedAt = r.clock.Now() })

	// Watch before scanning so a file created in between is not missed.
	if err := r.watcher.Start(runCtx); err != nil {
		r.log.Warnw("plugin hot reload disabled", "error", err)
	}
	loaded, failed, err := r.watcher.InitialScan(runCtx)
	if err != nil {
		r.log.Warnw("initial plugin scan failed", "dir", r.cfg.Plugins.Dir, "error", err)
	} else {
		r.log.Infow("plugins ready", "loaded", loaded, "failed", failed)
	}

	checks := r.opts.Probes
	if checks == nil {
		checks = probe.DefaultChecks
	}
	if len(checks) > 0 {
		support := probe.Run(runCtx, checks, 10*time.Second)
		r.statusMu.Lock()
		r.support = support
		r.statusMu.Unlock()
	}

	r.housekeeping.Start(runCtx)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer logging.Recover(logging.CategoryDispatch, "dispatcher")
		r.dispatcher.Run(gctx, r.dispatchCh)
		return nil
	})
	if r.admin != nil {
		g.Go(func() error {
			if err := r.admin.ListenAndServe(gctx, r.cfg.Admin.Host, r.cfg.Admin.Port); err != nil {
				logging.Get(logging.CategoryAdmin).Errorw("admin server failed", "error", err)
			}
			return nil
		})
	}

	runErr := r.connect(runCtx)
	if runErr == nil {
		runErr = r.loop(runCtx)
	}

	r.shutdown()
	cancel()
	_ = g.Wait()
	return runErr
}

func (r *Runtime) connect(ctx context.Context) error {
	r.setStatus(func(s *admin.Status) { s.Connection = string(backend.StateConnecting) })
	defer r.syncStatus()
	if err := r.session.Connect(ctx, r.store.Carry()); err != nil {
		r.log.Warnw("initial dial failed", "error", err)
		return r.dialFailed(err)
	}
	return nil
}

func (r *Runtime) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-r.loopCh:
			var err error
			if msg.fire {
				err = r.handleFire(ctx, msg.gen)
			} else {
				err = r.handleUpdate(ctx, msg.handleID, msg.update)
			}
			r.syncStatus()
			if err != nil {
				return err
			}
		}
	}
}

func (r *Runtime) handleUpdate(ctx context.Context, handleID string, u *backend.ConnectionUpdate) error {
	if !r.session.IsCurrent(handleID) {
		logging.Get(logging.CategorySession).Debugw("update from stale handle dropped", "handle", handleID)
		return nil
	}
	log := logging.Get(logging.CategorySession)

	if u.QR != "" {
		log.Infow("QR code available, scan it with the linked device", "qr", u.QR)
	}
	if u.IsNewLogin {
		log.Infow("new login, credentials will be saved")
	}

	switch u.Connection {
	case backend.StateConnecting:
		log.Infow("connecting", "handle", handleID)
		r.setStatus(func(s *admin.Status) { s.Connection = string(backend.StateConnecting) })
	case backend.StateOpen:
		r.onOpen(ctx, u)
	case backend.StateClose:
		r.connected.Store(false)
		r.setStatus(func(s *admin.Status) { s.Connection = string(backend.StateClose) })
		return r.onClose(reconnect.SignalFrom(u.LastDisconnect))
	}
	return nil
}

func (r *Runtime) onOpen(ctx context.Context, u *backend.ConnectionUpdate) {
	r.scheduler.OnOpen()
	r.connected.Store(true)

	h := r.session.Current()
	user := u.User
	if user == nil && h != nil {
		user = h.User()
	}
	now := r.clock.Now()
	if err := r.store.Set("last_open", now); err != nil {
		r.log.Warnw("failed to record open", "error", err)
	}
	if user != nil {
		if err := r.store.Set("user", user); err != nil {
			r.log.Warnw("failed to record user", "error", err)
		}
	}
	r.setStatus(func(s *admin.Status) {
		s.Connection = string(backend.StateOpen)
		s.Fatal = ""
		if user != nil {
			s.User = user.ID
		}
	})
	logging.Get(logging.CategorySession).Infow("connected", "user", userID(user), "plugins", r.registry.Len())

	if r.welcomed || r.cfg.Session.Welcome == "" || user == nil || user.ID == "" {
		return
	}
	r.welcomed = true
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := r.session.Send(sendCtx, backend.Outgoing{Chat: user.ID, Text: r.cfg.Session.Welcome}); err != nil {
		r.log.Warnw("welcome message failed", "error", err)
	}
}

// onClose feeds sig to the scheduler. A fatal verdict is shown to the
// operator and leaves the session down; it ends the loop only with
// ExitOnFatal.
func (r *Runtime) onClose(sig reconnect.Signal) error {
	v := r.scheduler.OnClose(sig)
	if v.Action != reconnect.ActionFatal {
		return nil
	}
	r.setStatus(func(s *admin.Status) {
		s.Connection = stateDead
		s.Fatal = v.Explanation
	})
	diagnostics.WriteFatal(r.stderr, diagnostics.DefaultStyles(), v)
	if r.opts.ExitOnFatal {
		return &reconnect.FatalError{Verdict: v}
	}
	r.log.Warnw("session down, waiting for a reconnect signal or shutdown")
	return nil
}

func (r *Runtime) handleFire(ctx context.Context, gen uint64) error {
	if !r.scheduler.Fire(gen) {
		return nil
	}
	r.current.Store(nil)
	r.connected.Store(false)
	if err := r.session.Reconnect(ctx); err != nil {
		r.log.Warnw("reconnect failed", "error", err)
		return r.dialFailed(err)
	}
	logging.Get(logging.CategoryReconnect).Infow("reconnected", "handle", r.session.Current().ID(), "dials", r.session.Dials())
	return nil
}

// dialFailed treats a failed dial as a closed connection so it takes the
// backoff path.
func (r *Runtime) dialFailed(err error) error {
	return r.onClose(reconnect.Signal{
		Code:    int(backend.ReasonConnectionClosed),
		HasCode: true,
		Reason:  "dial failed: " + err.Error(),
	})
}

func (r *Runtime) notifyFire(gen uint64) {
	r.post(loopMsg{fire: true, gen: gen})
}

func (r *Runtime) post(msg loopMsg) {
	select {
	case r.loopCh <- msg:
	case <-r.done:
	}
}

func (r *Runtime) publish(h backend.Handle) {
	r.current.Store(&handleRef{h: h})
}

func (r *Runtime) isCurrent(id string) bool {
	ref := r.current.Load()
	return ref != nil && ref.h.ID() == id
}

// send is the dispatcher's reply path. It is called from the dispatcher
// goroutine, so it goes through the published handle rather than the
// session.
func (r *Runtime) send(ctx context.Context, msg backend.Outgoing) error {
	ref := r.current.Load()
	if ref == nil {
		return session.ErrNoHandle
	}
	return ref.h.Send(ctx, msg)
}

func (r *Runtime) shutdown() {
	r.doneOnce.Do(func() { close(r.done) })

	r.scheduler.Stop()
	r.housekeeping.Stop()
	r.watcher.Stop()
	r.session.Close()
	r.current.Store(nil)
	r.connected.Store(false)
	if err := r.store.Close(); err != nil {
		r.log.Errorw("final store checkpoint failed", "error", err)
	}
	r.setStatus(func(s *admin.Status) { s.Connection = "stopped" })
	r.log.Infow("shutdown complete")
}

func (r *Runtime) bindings() session.Bindings {
	b := session.Bindings{
		backend.EventConnectionUpdate: r.onConnectionEvent,
		backend.EventCredsUpdate:      r.onCredsEvent,
		backend.EventGroupsUpdate:     r.onGroupsEvent,
	}
	for _, name := range []backend.EventName{
		backend.EventMessagesUpsert,
		backend.EventMessagesUpdate,
		backend.EventParticipantsUpdate,
		backend.EventMessageDelete,
		backend.EventPresenceUpdate,
	} {
		b[name] = r.forward
	}
	return b
}

func (r *Runtime) onConnectionEvent(ev backend.Event) {
	if ev.Connection == nil {
		return
	}
	u := *ev.Connection
	msg := loopMsg{handleID: ev.HandleID, update: &u}
	if u.Connection == backend.StateConnecting && u.QR == "" {
		// Start emits this on the loop goroutine itself.
		select {
		case r.loopCh <- msg:
		default:
			logging.Get(logging.CategorySession).Debugw("connecting update dropped, loop busy", "handle", ev.HandleID)
		}
		return
	}
	r.post(msg)
}

func (r *Runtime) onCredsEvent(ev backend.Event) {
	if !r.isCurrent(ev.HandleID) || len(ev.Data) == 0 {
		return
	}
	if err := credentials.Save(r.cfg.CredsPath(), ev.Data); err != nil {
		logging.Get(logging.CategoryCredentials).Errorw("failed to save credentials", "error", err)
	}
}

func (r *Runtime) onGroupsEvent(ev backend.Event) {
	if !r.isCurrent(ev.HandleID) {
		return
	}
	var chats []backend.ChatMeta
	if err := json.Unmarshal(ev.Data, &chats); err == nil {
		r.store.UpsertChats(chats)
	}
	r.forward(ev)
}

// forward queues a message-type event for the dispatcher.
func (r *Runtime) forward(ev backend.Event) {
	if !r.isCurrent(ev.HandleID) {
		return
	}
	select {
	case r.dispatchCh <- ev:
	case <-r.done:
	}
}

// Status implements admin.StatusSource.
func (r *Runtime) Status() admin.Status {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	st := r.status
	st.Plugins = r.registry.Len()
	if m := r.support.Map(); len(m) > 0 {
		st.Support = m
	}
	return st
}

func (r *Runtime) setStatus(fn func(*admin.Status)) {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	fn(&r.status)
}

// syncStatus copies loop-owned state into the status snapshot.
func (r *Runtime) syncStatus() {
	attempts := r.scheduler.Attempts()
	pending := ""
	if v, ok := r.scheduler.Pending(); ok {
		pending = fmt.Sprintf("%s in %s", v.Action, v.Delay)
	}
	handle := ""
	if h := r.session.Current(); h != nil {
		handle = h.ID()
	}
	dials := r.session.Dials()
	r.setStatus(func(s *admin.Status) {
		s.Attempts = attempts
		s.Pending = pending
		s.Handle = handle
		s.Dials = dials
	})
}

// Registry exposes the plugin registry.
func (r *Runtime) Registry() *plugins.Registry { return r.registry }

// Store exposes the store.
func (r *Runtime) Store() *store.Store { return r.store }

// Watcher exposes the plugin watcher.
func (r *Runtime) Watcher() *plugins.Watcher { return r.watcher }

type senderFunc func(ctx context.Context, msg backend.Outgoing) error

func (f senderFunc) Send(ctx context.Context, msg backend.Outgoing) error { return f(ctx, msg) }

// publishingDialer reports every new handle before the session binds it,
// so events emitted during Start are not mistaken for stale ones.
type publishingDialer struct {
	backend.Dialer
	publish func(backend.Handle)
}

func (d *publishingDialer) Dial(ctx context.Context, cfg backend.DialConfig, carry backend.Carry) (backend.Handle, error) {
	h, err := d.Dialer.Dial(ctx, cfg, carry)
	if err == nil {
		d.publish(h)
	}
	return h, err
}

func userID(u *backend.User) string {
	if u == nil {
		return ""
	}
	return u.ID
}
