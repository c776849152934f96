package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"mutebot/internal/metrics"
	"mutebot/internal/runtime/supervisor"
	kit "mutebot/internal/transport"
	logx "mutebot/pkg/logx"
)

const (
	defaultQueueSize = 64
	defaultTimeout   = 15 * time.Second
)

type Options struct {
	Workers   int           // defaults to NumCPU, at least 2
	QueueSize int           // pending command jobs before "busy"
	Timeout   time.Duration // per-command default
	Metrics   *metrics.Metrics
	// Supervisor runs the menu update when set.
	Supervisor *supervisor.Supervisor
}

// CommandManager parses command messages and runs their handlers on a
// bounded worker pool.
type CommandManager struct {
	mu     sync.RWMutex
	cmds   map[string]*Command // name and aliases
	list   []Command
	owners []int64

	log     logx.Logger
	adapter kit.Adapter
	opts    Options

	runMu   sync.Mutex
	running bool
	sup     *supervisor.Supervisor

	jobs chan func()
}

func NewCommandManager(log logx.Logger, adapter kit.Adapter, owners []int64, opts Options) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.Workers <= 0 {
		opts.Workers = max(runtime.NumCPU(), 2)
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &CommandManager{
		cmds:    map[string]*Command{},
		owners:  append([]int64(nil), owners...),
		log:     log.With(logx.String("comp", "telegram.router")),
		adapter: adapter,
		opts:    opts,
		jobs:    make(chan func(), opts.QueueSize),
	}
}

// Supervisor returns the worker pool's supervisor, nil when not running.
func (m *CommandManager) Supervisor() *supervisor.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return nil
	}
	return m.sup
}

func (m *CommandManager) setSupervisor(sup *supervisor.Supervisor, running bool) {
	m.runMu.Lock()
	m.sup = sup
	m.running = running
	m.runMu.Unlock()
}

// SetOwners replaces the owner list used for AccessOwnerOnly checks.
func (m *CommandManager) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

func (m *CommandManager) isOwner(id int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Contains(m.owners, id)
}

// SetRegistry installs cmds plus the built-in /help and publishes the
// command menu when the adapter supports it.
func (m *CommandManager) SetRegistry(cmds []Command) {
	cmds = append(slices.Clone(cmds), Command{
		Name:        "help",
		Aliases:     []string{"h", "start"},
		Description: "show help",
		Usage:       "/help [cmd]",
		Access:      AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			name := ""
			if len(req.Args) > 0 {
				name = req.Args[0]
			}
			m.mu.RLock()
			text := helpText(m.cmds, name)
			m.mu.RUnlock()
			return req.Reply(ctx, text, true)
		},
	})

	table := map[string]*Command{}
	list := make([]Command, 0, len(cmds))
	for _, c := range cmds {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		cc := c
		cc.Name = name
		table[name] = &cc
		for _, a := range c.Aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if a == "" || strings.Contains(a, " ") {
				continue
			}
			if _, taken := table[a]; !taken {
				table[a] = &cc
			}
		}
		list = append(list, cc)
	}

	m.mu.Lock()
	m.cmds = table
	m.list = list
	m.mu.Unlock()

	up, ok := m.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return
	}
	menu := buildMenuCommands(list)
	run := func(parent context.Context) {
		ctx, cancel := context.WithTimeout(parent, 5*time.Second)
		defer cancel()
		if err := up.UpdateMenuCommands(ctx, menu); err != nil {
			m.log.Warn("menu update failed", logx.Err(err))
		}
	}
	if m.opts.Supervisor != nil {
		m.opts.Supervisor.Go0("telegram.menu.update", run)
		return
	}
	go run(context.Background())
}

// DispatchLoop routes updates until ctx is done or updates is closed.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := supervisor.New(ctx,
		supervisor.WithLogger(m.log),
		supervisor.WithCancelOnError(false),
	)
	m.setSupervisor(sup, true)
	m.log.Info("command dispatcher started", logx.Int("workers", m.opts.Workers), logx.Int("job_queue_cap", cap(m.jobs)))

	for i := 0; i < m.opts.Workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-m.jobs:
					m.runJob(idx, job)
				}
			}
		},
			supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			supervisor.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		m.setSupervisor(sup, false)
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Stop(wctx)
		cancel()
		m.setSupervisor(nil, false)
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.route(ctx, up)
		}
	}
}

func (m *CommandManager) runJob(worker int, job func()) {
	if job == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

func (m *CommandManager) tryEnqueue(fn func()) bool {
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

func (m *CommandManager) route(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	parts := tokenizeCommandLine(msg.Text)
	if len(parts) == 0 {
		return
	}
	word := commandWord(parts[0])
	if word == "" {
		return
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	m.mu.RLock()
	cmd, ok := m.cmds[word]
	m.mu.RUnlock()
	if !ok {
		// Groups carry commands for other bots too.
		if !msg.IsGroup {
			m.send(ctx, chat, "unknown command, try /help")
		}
		return
	}
	if cmd.Access == AccessOwnerOnly && !m.isOwner(msg.From.ID) {
		m.send(ctx, chat, "unauthorized")
		return
	}

	pos, flags, bools := parseFlags(parts[1:])
	rid := newReqID()
	req := &Request{
		Message:   msg,
		Chat:      chat,
		FromID:    msg.From.ID,
		Command:   cmd.Name,
		Args:      pos,
		Flags:     flags,
		BoolFlags: bools,
		ReqID:     rid,
		Adapter:   m.adapter,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.From.ID),
			logx.String("cmd", cmd.Name),
		),
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = m.opts.Timeout
	}
	final := Chain(
		cmd.Handle,
		MWRequestLog(m.log),
		MWMetrics(m.opts.Metrics),
		MWReplyErrors(*cmd),
		MWPanicRecover(m.log),
		MWTimeout(timeout),
	)

	if !m.tryEnqueue(func() { _ = final(ctx, req) }) {
		if mt := m.opts.Metrics; mt != nil {
			mt.UpdatesDropped.Inc()
		}
		m.send(ctx, chat, "busy, try again")
	}
}

func (m *CommandManager) send(ctx context.Context, to kit.ChatTarget, text string) {
	if _, err := m.adapter.SendText(ctx, to, text, nil); err != nil {
		m.log.Debug("reply failed", logx.Int64("chat_id", to.ChatID), logx.Err(err))
	}
}
