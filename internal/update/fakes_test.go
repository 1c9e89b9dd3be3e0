package update

import (
	"context"
	"fmt"
	"strings"

	"github.com/harbouros/appliance/internal/staging"
)

// opLog records the order of side effects across fakes so tests can assert
// the fixed effect ordering.
type opLog struct {
	ops []string
}

func (l *opLog) add(op string) { l.ops = append(l.ops, op) }

type fakeServices struct {
	log         *opLog
	restartErr  map[string]error
	activeUnits map[string]bool
}

func newFakeServices(log *opLog) *fakeServices {
	return &fakeServices{log: log, restartErr: map[string]error{}, activeUnits: map[string]bool{}}
}

func (f *fakeServices) DaemonReload(context.Context) error {
	f.log.add("daemon-reload")
	return nil
}

func (f *fakeServices) Start(_ context.Context, unit string) error {
	f.log.add("start " + unit)
	return nil
}

func (f *fakeServices) Stop(_ context.Context, unit string) error {
	f.log.add("stop " + unit)
	return nil
}

func (f *fakeServices) Restart(_ context.Context, unit string) error {
	f.log.add("restart " + unit)
	return f.restartErr[unit]
}

func (f *fakeServices) IsActive(_ context.Context, unit string) (bool, error) {
	active, ok := f.activeUnits[unit]
	if !ok {
		return true, nil
	}
	return active, nil
}

type fakeRunner struct {
	log  *opLog
	errs map[string]error
}

func newFakeRunner(log *opLog) *fakeRunner {
	return &fakeRunner{log: log, errs: map[string]error{}}
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	key := name
	if len(args) > 0 {
		key = name + " " + args[0]
	}
	f.log.add(strings.TrimSpace(name + " " + strings.Join(args, " ")))
	return nil, f.errs[key]
}

type fakeHealth struct {
	log   *opLog
	err   error
	waits int
}

func (f *fakeHealth) Wait(context.Context) error {
	f.waits++
	if f.log != nil {
		f.log.add("health-wait")
	}
	return f.err
}

// fakeWorkingCopy is an in-memory revision history.
type fakeWorkingCopy struct {
	dir       string
	head      string
	remote    string
	versions  map[string]string // sha -> version
	fetchErr  error
	resetErr  error
	resets    []string
	fetches   int
}

func (f *fakeWorkingCopy) Fetch(context.Context) error {
	f.fetches++
	if f.fetchErr != nil {
		return fmt.Errorf("%w: %v", ErrConnectivity, f.fetchErr)
	}
	return nil
}

func (f *fakeWorkingCopy) Head(context.Context) (string, error)       { return f.head, nil }
func (f *fakeWorkingCopy) RemoteHead(context.Context) (string, error) { return f.remote, nil }

func (f *fakeWorkingCopy) ResetHard(_ context.Context, sha string) error {
	if f.resetErr != nil {
		return f.resetErr
	}
	f.resets = append(f.resets, sha)
	f.head = sha
	return nil
}

func (f *fakeWorkingCopy) VersionAt(_ context.Context, sha string) (string, error) {
	v, ok := f.versions[sha]
	if !ok {
		return "", fmt.Errorf("unknown revision %s", sha)
	}
	return v, nil
}

func (f *fakeWorkingCopy) Dir() string { return f.dir }

// fakeApplier fails for configured revisions and records applied bundles.
type fakeApplier struct {
	applied []string // shas in apply order
	failSHA map[string]error
}

func (f *fakeApplier) Apply(_ context.Context, b *staging.Bundle) (*Result, error) {
	defer b.Remove()
	f.applied = append(f.applied, b.Manifest.SHA)
	if err := f.failSHA[b.Manifest.SHA]; err != nil {
		return nil, err
	}
	return &Result{Version: b.Manifest.Version, SHA: b.Manifest.SHA}, nil
}
