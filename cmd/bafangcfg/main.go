package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/thejerf/suture/v4"

	"github.com/shaunagostinho/bafang-config/internal/bafang"
	"github.com/shaunagostinho/bafang-config/internal/device"
	"github.com/shaunagostinho/bafang-config/internal/events"
	"github.com/shaunagostinho/bafang-config/internal/mqtt"
	"github.com/shaunagostinho/bafang-config/internal/profile"
	"github.com/shaunagostinho/bafang-config/internal/server"
	"github.com/shaunagostinho/bafang-config/internal/session"
	"github.com/shaunagostinho/bafang-config/internal/trace"
	"github.com/shaunagostinho/bafang-config/web"
)

type Globals struct {
	Config   string `default:"/etc/bafang/config.yaml" help:"Path to config file"`
	LogLevel string `default:"info" enum:"debug,info,warn,error" help:"Log level (${enum})"`
	Demo     bool   `help:"Talk to the built-in controller emulator instead of a serial port"`
	Port     string `help:"Override the serial port path"`
}

type CLI struct {
	Globals

	Serve  ServeCmd  `cmd:"" help:"Run the HTTP and websocket configurator"`
	Read   ReadCmd   `cmd:"" help:"Read the controller profile into a document"`
	Write  WriteCmd  `cmd:"" help:"Write a profile document to the controller"`
	Info   InfoCmd   `cmd:"" help:"Print the controller identification"`
	Import ImportCmd `cmd:"" help:"Convert a vendor-tool INI file into a profile document"`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("bafangcfg"),
		kong.Description("Configure Bafang mid-drive motor controllers over their serial programming port."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(&cli.Globals))
}

func (g *Globals) logger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(g.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	}))
}

// runtime is the controller plumbing shared by all commands that talk to a
// controller.
type runtime struct {
	cfg   *server.Config
	log   *slog.Logger
	ev    *events.Fanout[events.Event]
	trace *trace.Recorder
	link  *device.Link
	sess  *session.Session
}

func (g *Globals) setup() *runtime {
	log := g.logger()
	slog.SetDefault(log)

	cfg := server.LoadConfig(g.Config, log)
	if g.Demo {
		cfg.Serial.Type = "demo"
	}
	if g.Port != "" {
		cfg.Serial.PortPath = g.Port
	}

	var open device.Opener
	switch cfg.Serial.Type {
	case "demo":
		open = device.NewEmulator(device.EmulatorConfig{Chunk: cfg.Serial.DemoChunk}, log)
	default:
		open = device.NewSerial(device.SerialConfig{
			PortPath:      cfg.Serial.PortPath,
			BaudRate:      cfg.Serial.BaudRate,
			ReadTimeoutMs: cfg.Serial.ReadTimeoutMs,
		})
	}

	rt := &runtime{
		cfg:   cfg,
		log:   log,
		ev:    events.NewFanout[events.Event](),
		trace: trace.New(cfg.Trace, log),
	}
	rt.link = device.NewLink(open, device.WithLinkLogger(log), device.WithTrace(rt.trace))
	rt.sess = session.New(rt.link,
		session.WithLogger(log),
		session.WithVerifyChecksum(cfg.Protocol.VerifyChecksum),
		session.WithAbortChainOnFailure(cfg.Protocol.AbortChainOnFailure),
		session.OnBlockRead(func(b bafang.Block, err error) { rt.ev.Publish(events.BlockRead(b, err)) }),
		session.OnBlockWritten(func(b bafang.Block, err error) { rt.ev.Publish(events.BlockWritten(b, err)) }),
		session.OnTransportState(func(up bool) { rt.ev.Publish(events.Transport(up)) }),
	)
	rt.link.Attach(rt.sess)
	return rt
}

func (rt *runtime) openStore() (*profile.Store, error) {
	if rt.cfg.Store.Path == "" {
		return nil, nil
	}
	return profile.OpenStore(rt.cfg.Store.Path, rt.log)
}

type ServeCmd struct {
	Listen string `help:"Override listen address (e.g. :8080)"`
}

func (c *ServeCmd) Run(g *Globals) error {
	rt := g.setup()
	defer rt.trace.Close()
	if c.Listen != "" {
		rt.cfg.Server.ListenAddr = c.Listen
	}

	store, err := rt.openStore()
	if err != nil {
		rt.log.Warn("snapshots disabled", "err", err)
	}
	if store != nil {
		defer store.Close()
	}

	sup := suture.New("bafangcfg", suture.Spec{
		EventHook: func(e suture.Event) {
			rt.log.Warn("supervisor", "event", e.String())
		},
	})
	sup.Add(rt.link)
	sup.Add(server.New(rt.cfg, server.Deps{
		Session: rt.sess,
		Events:  rt.ev,
		Store:   store,
		Trace:   rt.trace,
		Assets:  web.FS,
		Logger:  rt.log,
	}))
	if rt.cfg.MQTT.Broker != "" {
		sup.Add(mqtt.NewPublisher(rt.cfg.MQTT, rt.ev, rt.log))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt.log.Info("bafangcfg starting", "port", rt.cfg.Serial.PortPath, "type", rt.cfg.Serial.Type)
	if err := sup.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	rt.log.Info("shut down")
	return nil
}

// controller is a live connection for one-shot commands.
type controller struct {
	*runtime
	ctx context.Context
	sub *events.Subscription[events.Event]
}

// connect starts the link and waits until the controller has identified
// itself. The returned function stops the link.
func (rt *runtime) connect(timeout time.Duration) (*controller, func(), error) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	ctx, cancelTimeout := context.WithTimeout(ctx, timeout)
	c := &controller{runtime: rt, ctx: ctx, sub: rt.ev.Listen()}

	served := make(chan error, 1)
	go func() { served <- rt.link.Serve(ctx) }()
	stop := func() {
		cancelTimeout()
		cancel()
		<-served
		c.sub.Close()
		rt.trace.Close()
	}

	ev, err := c.await(events.KindRead, bafang.General)
	if err == nil && !ev.OK {
		err = errors.New(ev.Error)
	}
	if err != nil {
		stop()
		return nil, nil, fmt.Errorf("identify controller: %w", err)
	}
	return c, stop, nil
}

// await returns the next event of kind for block b.
func (c *controller) await(kind events.Kind, b bafang.Block) (events.Event, error) {
	for {
		select {
		case <-c.ctx.Done():
			return events.Event{}, fmt.Errorf("waiting for %s %s: %w", b, kind, c.ctx.Err())
		case ev := <-c.sub.Channel():
			if ev.Kind == kind && ev.Block == b.Key() {
				return ev, nil
			}
		}
	}
}

func writeDocument(p *bafang.Profile, out string, withInfo bool) error {
	if out == "" || out == "-" {
		data, err := profile.Marshal(p, profile.YAML, withInfo)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	}
	return profile.Save(out, p, withInfo)
}

type ReadCmd struct {
	Output   string        `arg:"" optional:"" help:"Profile document to write (.yaml or .json); stdout when omitted"`
	WithInfo bool          `help:"Include the controller identification"`
	Snapshot string        `help:"Also store a snapshot with this label" placeholder:"LABEL"`
	Timeout  time.Duration `default:"30s" help:"Give up after this long"`
}

func (c *ReadCmd) Run(g *Globals) error {
	rt := g.setup()
	ctl, stop, err := rt.connect(c.Timeout)
	if err != nil {
		return err
	}
	defer stop()

	if err := rt.sess.ReadAllBlocks(); err != nil {
		return err
	}
	for _, b := range bafang.Chain {
		ev, err := ctl.await(events.KindRead, b)
		if err != nil {
			return err
		}
		if !ev.OK {
			return fmt.Errorf("read %s: %s", b, ev.Error)
		}
	}

	p := rt.sess.Profile()
	if c.Snapshot != "" {
		store, err := rt.openStore()
		if err != nil {
			return err
		}
		if store == nil {
			return errors.New("snapshot store path is not configured")
		}
		defer store.Close()
		snap, err := store.Put(p, c.Snapshot, time.Now())
		if err != nil {
			return err
		}
		rt.log.Info("snapshot stored", "id", snap.ID)
	}
	return writeDocument(p, c.Output, c.WithInfo)
}

type WriteCmd struct {
	Input   string        `arg:"" help:"Profile document (.yaml, .json) or vendor-tool .ini file" type:"existingfile"`
	Timeout time.Duration `default:"30s" help:"Give up after this long"`
}

func (c *WriteCmd) Run(g *Globals) error {
	rt := g.setup()

	var p *bafang.Profile
	var err error
	if strings.EqualFold(filepath.Ext(c.Input), ".ini") {
		p, err = profile.ImportLegacyFile(c.Input, rt.log)
	} else {
		p, err = profile.Load(c.Input)
	}
	if err != nil {
		return err
	}

	ctl, stop, err := rt.connect(c.Timeout)
	if err != nil {
		return err
	}
	defer stop()

	p.Info = rt.sess.Profile().Info
	if err := rt.sess.SetProfile(p); err != nil {
		return err
	}

	var failed []string
	for _, b := range bafang.Chain {
		if !p.Has(b) {
			continue
		}
		if err := rt.sess.WriteBlock(b); err != nil {
			return err
		}
		ev, err := ctl.await(events.KindWritten, b)
		if err != nil {
			return err
		}
		if ev.OK {
			fmt.Printf("%-12s ok\n", b)
			continue
		}
		fmt.Printf("%-12s rejected: %s\n", b, ev.Error)
		failed = append(failed, b.Key())
		if rt.cfg.Protocol.AbortChainOnFailure {
			break
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("controller rejected %s", strings.Join(failed, ", "))
	}
	return nil
}

type InfoCmd struct {
	Timeout time.Duration `default:"10s" help:"Give up after this long"`
}

func (c *InfoCmd) Run(g *Globals) error {
	rt := g.setup()
	_, stop, err := rt.connect(c.Timeout)
	if err != nil {
		return err
	}
	defer stop()
	return writeDocument(&bafang.Profile{Info: rt.sess.Profile().Info}, "", true)
}

type ImportCmd struct {
	Input  string `arg:"" help:"Vendor-tool .ini file" type:"existingfile"`
	Output string `arg:"" optional:"" help:"Profile document to write (.yaml or .json); stdout when omitted"`
}

func (c *ImportCmd) Run(g *Globals) error {
	p, err := profile.ImportLegacyFile(c.Input, g.logger())
	if err != nil {
		return err
	}
	return writeDocument(p, c.Output, false)
}
