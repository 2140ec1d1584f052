package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/meshgate/toolgateway/internal/store"
	"github.com/meshgate/toolgateway/pkg/gwerrors"
	"github.com/meshgate/toolgateway/pkg/logger"
)

// templateFileName enforces spec.md §6's persisted file-naming rule.
var templateFileName = regexp.MustCompile(`^[A-Za-z0-9._-]+\.json$`)

// templateFile is the on-disk JSON shape for one template, named to match
// spec.md §3's wire casing rather than Go's exported field names.
type templateFile struct {
	Name             string            `json:"name"`
	ProtocolVersion  string            `json:"protocolVersion,omitempty"`
	Transport        string            `json:"transport"`
	Command          string            `json:"command,omitempty"`
	Args             []string          `json:"args,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
	WorkingDirectory string            `json:"workingDirectory,omitempty"`
	TimeoutMs        int               `json:"timeoutMs,omitempty"`
	Retries          int               `json:"retries,omitempty"`
	Trusted          bool              `json:"trusted,omitempty"`
	Sandbox          *sandboxFile      `json:"sandbox,omitempty"`
	HealthCheck      *healthCheckFile  `json:"healthCheck,omitempty"`
}

type sandboxFile struct {
	RequiredForUntrusted bool     `json:"requiredForUntrusted,omitempty"`
	AllowedVolumeRoots   []string `json:"allowedVolumeRoots,omitempty"`
	Image                string   `json:"image,omitempty"`
}

type healthCheckFile struct {
	IntervalMs int `json:"intervalMs,omitempty"`
	TTLMs      int `json:"ttlMs,omitempty"`
}

func (f templateFile) toTemplate() store.Template {
	t := store.Template{
		Name:             f.Name,
		ProtocolVersion:  store.ProtocolVersion(f.ProtocolVersion),
		Transport:        store.TransportKind(f.Transport),
		Command:          f.Command,
		Args:             f.Args,
		Env:              f.Env,
		WorkingDirectory: f.WorkingDirectory,
		TimeoutMs:        f.TimeoutMs,
		Retries:          f.Retries,
		Trusted:          f.Trusted,
	}
	if f.Sandbox != nil {
		t.Sandbox = &store.SandboxSpec{
			RequiredForUntrusted: f.Sandbox.RequiredForUntrusted,
			AllowedVolumeRoots:   f.Sandbox.AllowedVolumeRoots,
			Image:                f.Sandbox.Image,
		}
	}
	if f.HealthCheck != nil {
		t.HealthCheck = &store.HealthCheckSpec{
			IntervalMs: f.HealthCheck.IntervalMs,
			TTLMs:      f.HealthCheck.TTLMs,
		}
	}
	return t
}

func fromTemplate(t store.Template) templateFile {
	f := templateFile{
		Name:             t.Name,
		ProtocolVersion:  string(t.ProtocolVersion),
		Transport:        string(t.Transport),
		Command:          t.Command,
		Args:             t.Args,
		Env:              t.Env,
		WorkingDirectory: t.WorkingDirectory,
		TimeoutMs:        t.TimeoutMs,
		Retries:          t.Retries,
		Trusted:          t.Trusted,
	}
	if t.Sandbox != nil {
		f.Sandbox = &sandboxFile{
			RequiredForUntrusted: t.Sandbox.RequiredForUntrusted,
			AllowedVolumeRoots:   t.Sandbox.AllowedVolumeRoots,
			Image:                t.Sandbox.Image,
		}
	}
	if t.HealthCheck != nil {
		f.HealthCheck = &healthCheckFile{IntervalMs: t.HealthCheck.IntervalMs, TTLMs: t.HealthCheck.TTLMs}
	}
	return f
}

// Persistence loads templates from one JSON file per template under dir and
// keeps the registry in sync with out-of-band edits via fsnotify, per
// spec.md §6. Instances, health, and metrics are never persisted; they are
// reconstructed at startup from the loaded templates.
type Persistence struct {
	dir string
	reg *Registry
	log *logrus.Entry

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewPersistence binds a Persistence to a templates directory and the
// registry it populates.
func NewPersistence(dir string, reg *Registry, log *logger.Logger) *Persistence {
	if log == nil {
		log = logger.Discard()
	}
	return &Persistence{dir: dir, reg: reg, log: log.Component("persistence")}
}

// LoadAll reads every *.json file in dir matching the naming rule and
// registers each as a template, logging (not failing) on a malformed file
// so one bad file doesn't block startup of the rest.
func (p *Persistence) LoadAll() error {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return gwerrors.Wrap(gwerrors.Internal, "failed to read templates directory", err)
	}

	for _, e := range entries {
		if e.IsDir() || !templateFileName.MatchString(e.Name()) {
			continue
		}
		if err := p.loadFile(filepath.Join(p.dir, e.Name())); err != nil {
			p.log.WithError(err).WithField("file", e.Name()).Warn("failed to load template file")
		}
	}
	return nil
}

func (p *Persistence) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return gwerrors.Wrap(gwerrors.Internal, "failed to read template file", err)
	}
	var tf templateFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return gwerrors.Wrap(gwerrors.BadInput, "malformed template file", err)
	}
	return p.reg.RegisterTemplate(tf.toTemplate())
}

// Save writes t to its own file under dir, creating the directory if
// needed.
func (p *Persistence) Save(t store.Template) error {
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return gwerrors.Wrap(gwerrors.Internal, "failed to create templates directory", err)
	}
	data, err := json.MarshalIndent(fromTemplate(t), "", "  ")
	if err != nil {
		return gwerrors.Wrap(gwerrors.Internal, "failed to marshal template", err)
	}
	path := filepath.Join(p.dir, t.Name+".json")
	if !templateFileName.MatchString(filepath.Base(path)) {
		return gwerrors.New(gwerrors.BadInput, "template name does not yield a valid file name")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return gwerrors.Wrap(gwerrors.Internal, "failed to write template file", err)
	}
	return nil
}

// RegisterAndSave validates and upserts t through the registry, then
// persists it to disk; the registry's write lands before the file write so
// a failed save still leaves the in-memory state usable.
func (p *Persistence) RegisterAndSave(t store.Template) error {
	if err := p.reg.RegisterTemplate(t); err != nil {
		return err
	}
	return p.Save(t)
}

// RemoveAndDelete removes a template from the registry and deletes its
// file, if present.
func (p *Persistence) RemoveAndDelete(name string) error {
	if err := p.reg.RemoveTemplate(name); err != nil {
		return err
	}
	path := filepath.Join(p.dir, name+".json")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return gwerrors.Wrap(gwerrors.Internal, "failed to delete template file", err)
	}
	return nil
}

// Watch starts an fsnotify watch on dir, reloading a template whenever its
// file is written or created, and removing it from the registry whenever
// its file is removed or renamed away.
func (p *Persistence) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return gwerrors.Wrap(gwerrors.Internal, "failed to start template watcher", err)
	}
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		w.Close()
		return gwerrors.Wrap(gwerrors.Internal, "failed to create templates directory", err)
	}
	if err := w.Add(p.dir); err != nil {
		w.Close()
		return gwerrors.Wrap(gwerrors.Internal, "failed to watch templates directory", err)
	}

	p.watcher = w
	p.stopCh = make(chan struct{})
	p.wg.Add(1)
	go p.watchLoop()
	return nil
}

func (p *Persistence) watchLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case ev, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			p.handleEvent(ev)
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.log.WithError(err).Warn("template watcher error")
		}
	}
}

func (p *Persistence) handleEvent(ev fsnotify.Event) {
	name := filepath.Base(ev.Name)
	if !templateFileName.MatchString(name) {
		return
	}

	switch {
	case ev.Op&(fsnotify.Write|fsnotify.Create) != 0:
		if err := p.loadFile(ev.Name); err != nil {
			p.log.WithError(err).WithField("file", name).Warn("failed to reload template file")
		}
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		templateName := strings.TrimSuffix(name, ".json")
		if err := p.reg.RemoveTemplate(templateName); err != nil {
			p.log.WithError(err).WithField("file", name).Warn("failed to remove template on file deletion")
		}
	}
}

// Stop terminates the watch loop and releases the underlying watcher.
func (p *Persistence) Stop() {
	if p.stopCh != nil {
		close(p.stopCh)
	}
	if p.watcher != nil {
		_ = p.watcher.Close()
	}
	p.wg.Wait()
}
