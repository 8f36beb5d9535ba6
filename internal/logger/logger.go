package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/axiomhq/axiom-go/axiom"
	"github.com/axiomhq/axiom-go/axiom/ingest"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

const serviceName = "submitgate"

// Options defines logger initialization parameters.
type Options struct {
	Level      string
	Pretty     bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	// Axiom
	SendToAxiom  bool
	AxiomAPIKey  string
	AxiomOrgID   string
	AxiomDataset string
	AxiomFlush   time.Duration

	// Out replaces stdout. Used by tests.
	Out io.Writer
}

var (
	global zerolog.Logger
	ax     *axiomSink
)

// Init sets up global logger: file rotation, optional console, optional Axiom forwarding.
func Init(opts Options) error {
	// Ensure log directory exists
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return fmt.Errorf("create logs dir: %w", err)
		}
	}

	stdout := opts.Out
	if stdout == nil {
		stdout = os.Stdout
	}

	var writers []io.Writer

	if opts.File != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		})
	}

	if opts.Pretty {
		writers = append(writers, zerolog.ConsoleWriter{Out: stdout, TimeFormat: time.RFC3339})
	} else {
		writers = append(writers, stdout)
	}

	// Optional Axiom writer (info+)
	if opts.SendToAxiom && opts.AxiomAPIKey != "" {
		sink, err := newAxiomSink(opts.AxiomAPIKey, opts.AxiomOrgID, opts.AxiomDataset, opts.AxiomFlush)
		if err != nil {
			fmt.Fprintf(os.Stderr, "axiom disabled: %v\n", err)
		} else {
			ax = sink
			writers = append(writers, &axiomWriter{sink: sink})
		}
	}

	out := io.MultiWriter(writers...)

	zerolog.TimeFieldFormat = time.RFC3339
	lvl, err := zerolog.ParseLevel(opts.Level)
	if err != nil || opts.Level == "" {
		lvl = zerolog.InfoLevel
	}

	global = zerolog.New(out).Level(lvl).With().Timestamp().Str("service", serviceName).Logger()
	log.Logger = global
	zerolog.DefaultContextLogger = &global
	return nil
}

// Close flushes any buffered external loggers.
func Close() {
	if ax != nil {
		_ = ax.Close()
		ax = nil
	}
}

// Get returns the global logger.
func Get() *zerolog.Logger { return &global }

// axiomWriter ships info and above to Axiom. Request logs carry
// request_id and client, so they are queryable per submission there.
type axiomWriter struct{ sink *axiomSink }

func (w *axiomWriter) Write(p []byte) (int, error) {
	ev := axiom.Event{}
	if err := json.Unmarshal(p, &ev); err != nil {
		ev = axiom.Event{"message": string(p), "level": zerolog.InfoLevel.String()}
	}
	if lvl, _ := ev["level"].(string); lvl == zerolog.DebugLevel.String() || lvl == zerolog.TraceLevel.String() {
		return len(p), nil
	}
	ev["service"] = serviceName
	if _, ok := ev[ingest.TimestampField]; !ok {
		ev[ingest.TimestampField] = time.Now()
	}
	w.sink.enqueue(ev)
	return len(p), nil
}

const (
	axiomBatch  = 200
	axiomBuffer = 1000
)

// axiomSink batches events off the request path.
type axiomSink struct {
	client  *axiom.Client
	dataset string
	events  chan axiom.Event
	done    chan struct{}
	wg      sync.WaitGroup
	dropped atomic.Int64
}

func newAxiomSink(token, orgID, dataset string, every time.Duration) (*axiomSink, error) {
	if dataset == "" {
		dataset = "dev_" + serviceName
	}
	if every <= 0 {
		every = 10 * time.Second
	}
	opts := []axiom.Option{axiom.SetToken(token)}
	if orgID != "" {
		opts = append(opts, axiom.SetOrganizationID(orgID))
	}
	c, err := axiom.NewClient(opts...)
	if err != nil {
		return nil, err
	}
	s := &axiomSink{
		client:  c,
		dataset: dataset,
		events:  make(chan axiom.Event, axiomBuffer),
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run(every)
	return s, nil
}

// enqueue never blocks a handler; overflow is counted and reported on close.
func (s *axiomSink) enqueue(ev axiom.Event) {
	select {
	case s.events <- ev:
	default:
		s.dropped.Add(1)
	}
}

func (s *axiomSink) ship(batch []axiom.Event) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if _, err := s.client.IngestEvents(ctx, s.dataset, batch); err != nil {
		// the logger itself is the sink, so report out of band
		fmt.Fprintf(os.Stderr, "axiom ingest of %d events failed: %v\n", len(batch), err)
	}
}

func (s *axiomSink) run(every time.Duration) {
	defer s.wg.Done()
	tick := time.NewTicker(every)
	defer tick.Stop()
	batch := make([]axiom.Event, 0, axiomBatch)
	for {
		select {
		case ev := <-s.events:
			if batch = append(batch, ev); len(batch) == axiomBatch {
				s.ship(batch)
				batch = batch[:0]
			}
		case <-tick.C:
			s.ship(batch)
			batch = batch[:0]
		case <-s.done:
			for n := len(s.events); n > 0; n-- {
				batch = append(batch, <-s.events)
			}
			s.ship(batch)
			return
		}
	}
}

func (s *axiomSink) Close() error {
	close(s.done)
	s.wg.Wait()
	if n := s.dropped.Load(); n > 0 {
		fmt.Fprintf(os.Stderr, "axiom dropped %d events on a full buffer\n", n)
	}
	return nil
}
