package daemon

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/gofrs/flock"
	logrus "github.com/sirupsen/logrus"

	"branchfs/internal/brancherr"
	"branchfs/internal/branchlog"
	"branchfs/internal/epoch"
	"branchfs/internal/mount"
	"branchfs/internal/transport/fusebridge"

	"github.com/hanwen/go-fuse/v2/fuse"
)

func init() {
	logrus.SetOutput(io.Discard)
}

// binding is one live FUSE session serving a mount.
type binding struct {
	m      *mount.Mount
	server *fuse.Server
}

// Daemon owns the mount registry and the admin IPC socket, and drives a
// FUSE session per active mount (§4.7, §6).
type Daemon struct {
	ipcServer *Server
	logFile   *os.File
	stopCh    chan struct{}
	wg        sync.WaitGroup
	lock      *flock.Flock

	registry *mount.Registry

	bindMu   sync.Mutex
	bindings map[string]*binding // mount id -> binding

	// LogLevel: trace, debug, info, warn, or empty/"none" to discard.
	LogLevel string
}

// New creates a Daemon.
func New() *Daemon {
	return &Daemon{
		stopCh:   make(chan struct{}),
		bindings: make(map[string]*binding),
	}
}

// Run starts the daemon and blocks until stopped.
func (d *Daemon) Run() error {
	if err := EnsureConfigDir(); err != nil {
		return err
	}

	d.lock = flock.New(LockPath())
	locked, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another daemon instance is already running")
	}
	defer d.lock.Unlock()

	d.configureLogging()

	registry, err := mount.OpenRegistry(StorageDir())
	if err != nil {
		return fmt.Errorf("failed to open mount registry: %w", err)
	}
	d.registry = registry

	if err := d.writePidFile(); err != nil {
		return err
	}
	defer d.removePidFile()

	log.Printf("branchfs daemon started (PID %d)", os.Getpid())

	d.ipcServer = NewServer(d.handleRequest)
	if err := d.ipcServer.Start(); err != nil {
		return fmt.Errorf("IPC server failed to start: %w", err)
	}
	defer d.ipcServer.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received signal %v, shutting down", sig)
	case <-d.stopCh:
		log.Printf("stop requested, shutting down")
	}

	d.unmountAll()
	return nil
}

func (d *Daemon) configureLogging() {
	level := strings.ToLower(d.LogLevel)
	if level == "" || level == "none" {
		log.SetOutput(io.Discard)
		logrus.SetOutput(io.Discard)
		return
	}
	logFile, err := os.OpenFile(LogPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to open log file: %v\n", err)
		return
	}
	d.logFile = logFile
	log.SetOutput(logFile)
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	branchlog.Logger().SetOutput(logFile)
	if level == "" {
		level = "debug"
	}
	branchlog.SetLevel(level)
}

func (d *Daemon) handleRequest(req *Request) *Response {
	switch req.Type {
	case RequestMountFS:
		return d.handleMount(req)
	case RequestUnmount:
		return d.handleUnmount(req)
	case RequestCreate:
		return d.handleCreate(req)
	case RequestCommit:
		return d.handleCommit(req)
	case RequestAbort:
		return d.handleAbort(req)
	case RequestSwitch:
		return d.handleSwitch(req)
	case RequestListBranch:
		return d.handleListBranch(req)
	case RequestMountList, RequestStatus:
		return d.handleMountList()
	case RequestStop:
		return d.handleStop()
	default:
		return &Response{Success: false, Error: "unknown request type"}
	}
}

func (d *Daemon) findByTarget(target string) (*mount.Mount, bool) {
	return d.registry.FindByTarget(target)
}

func (d *Daemon) handleMount(req *Request) *Response {
	if req.BasePath == "" || req.Target == "" {
		return &Response{Success: false, Error: "base_path and target are required"}
	}
	if _, ok := d.findByTarget(req.Target); ok {
		return &Response{Success: false, Error: fmt.Sprintf("already mounted at %s", req.Target)}
	}

	invalidator := epoch.NopInvalidator{}
	m, err := d.registry.Create(req.BasePath, req.Target, invalidator)
	if err != nil {
		return &Response{Success: false, Error: err.Error()}
	}

	server, err := fusebridge.Mount(fusebridge.Options{Mountpoint: req.Target, Mount: m})
	if err != nil {
		d.registry.Remove(m.ID)
		return &Response{Success: false, Error: fmt.Sprintf("failed to mount: %v", err)}
	}

	d.bindMu.Lock()
	d.bindings[m.ID] = &binding{m: m, server: server}
	d.bindMu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		server.Wait()
	}()

	log.Printf("mounted %s at %s (id=%s)", req.BasePath, req.Target, m.ID)
	return &Response{Success: true, Message: fmt.Sprintf("mounted at %s", req.Target)}
}

func (d *Daemon) handleUnmount(req *Request) *Response {
	m, ok := d.findByTarget(req.Target)
	if !ok {
		return &Response{Success: false, Error: fmt.Sprintf("not mounted: %s", req.Target)}
	}

	d.bindMu.Lock()
	b := d.bindings[m.ID]
	delete(d.bindings, m.ID)
	d.bindMu.Unlock()

	if b != nil && b.server != nil {
		if err := b.server.Unmount(); err != nil {
			log.Printf("warning: unmount %s failed: %v", req.Target, err)
		}
	}
	if err := d.registry.Remove(m.ID); err != nil {
		return &Response{Success: false, Error: err.Error()}
	}

	if d.registry.IsEmpty() {
		log.Printf("mount registry empty, shutting down")
		d.requestStop()
	}
	return &Response{Success: true, Message: fmt.Sprintf("unmounted %s", req.Target)}
}

func (d *Daemon) handleCreate(req *Request) *Response {
	m, ok := d.findByTarget(req.Target)
	if !ok {
		return &Response{Success: false, Error: fmt.Sprintf("not mounted: %s", req.Target)}
	}
	if err := m.CreateBranch(req.Branch, req.Parent, req.SwitchToIt); err != nil {
		return &Response{Success: false, Error: errString(err)}
	}
	return &Response{Success: true, Message: fmt.Sprintf("created branch %s", req.Branch), Epoch: m.Epoch()}
}

func (d *Daemon) handleCommit(req *Request) *Response {
	m, ok := d.findByTarget(req.Target)
	if !ok {
		return &Response{Success: false, Error: fmt.Sprintf("not mounted: %s", req.Target)}
	}
	if err := m.Commit(req.Branch); err != nil {
		return &Response{Success: false, Error: errString(err)}
	}
	return &Response{Success: true, Message: fmt.Sprintf("committed %s", req.Branch), Epoch: m.Epoch()}
}

func (d *Daemon) handleAbort(req *Request) *Response {
	m, ok := d.findByTarget(req.Target)
	if !ok {
		return &Response{Success: false, Error: fmt.Sprintf("not mounted: %s", req.Target)}
	}
	if err := m.Abort(req.Branch); err != nil {
		return &Response{Success: false, Error: errString(err)}
	}
	return &Response{Success: true, Message: fmt.Sprintf("aborted %s", req.Branch), Epoch: m.Epoch()}
}

func (d *Daemon) handleSwitch(req *Request) *Response {
	m, ok := d.findByTarget(req.Target)
	if !ok {
		return &Response{Success: false, Error: fmt.Sprintf("not mounted: %s", req.Target)}
	}
	if err := m.Switch(req.Branch); err != nil {
		return &Response{Success: false, Error: errString(err)}
	}
	return &Response{Success: true, Message: fmt.Sprintf("switched to %s", req.Branch), Epoch: m.Epoch()}
}

func (d *Daemon) handleListBranch(req *Request) *Response {
	m, ok := d.findByTarget(req.Target)
	if !ok {
		return &Response{Success: false, Error: fmt.Sprintf("not mounted: %s", req.Target)}
	}
	return &Response{Success: true, Entries: entriesToStatus(m.List()), Epoch: m.Epoch()}
}

func (d *Daemon) handleMountList() *Response {
	var mounts []MountStatus
	for _, meta := range d.registry.List() {
		m, ok := d.registry.Get(meta.ID)
		if !ok {
			continue
		}
		mounts = append(mounts, MountStatus{
			ID:       meta.ID,
			BasePath: meta.BasePath,
			Target:   meta.Target,
			View:     m.View(),
			Epoch:    m.Epoch(),
		})
	}
	return &Response{Success: true, PID: os.Getpid(), Mounts: mounts}
}

func (d *Daemon) handleStop() *Response {
	d.requestStop()
	return &Response{Success: true, Message: "daemon stopping"}
}

// requestStop signals Run's select loop to shut down, idempotently: it's
// reached both from an explicit stop request and from handleUnmount once
// the mount registry becomes empty (§4.7 "the hosting process exits").
func (d *Daemon) requestStop() {
	select {
	case <-d.stopCh:
	default:
		close(d.stopCh)
	}
}

func (d *Daemon) unmountAll() {
	d.bindMu.Lock()
	bindings := d.bindings
	d.bindings = make(map[string]*binding)
	d.bindMu.Unlock()

	for id, b := range bindings {
		if b.server != nil {
			b.server.Unmount()
		}
		d.registry.Remove(id)
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	<-done
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	if tok := brancherr.ExitToken(err); tok != "" {
		return tok
	}
	return err.Error()
}

func (d *Daemon) writePidFile() error {
	return os.WriteFile(PidPath(), []byte(strconv.Itoa(os.Getpid())), 0o600)
}

func (d *Daemon) removePidFile() { os.Remove(PidPath()) }

// GetPID reads the daemon's PID from disk.
func GetPID() (int, error) {
	data, err := os.ReadFile(PidPath())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(string(data))
}
