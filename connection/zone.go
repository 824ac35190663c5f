package connection

import (
	"context"
	"errors"
	"path"
	"runtime"
	"strings"

	"github.com/google/uuid"
)

// Zone is the call-site context of one logical API call.
// It travels in a context.Context, so it follows exactly the calls that were handed that context
// and is invisible to unrelated calls running concurrently.
type Zone struct {
	ID       string
	Title    string
	Internal bool
	Frames   []Location
}

type zoneKey struct{}

// ZoneFrom returns the zone carried by ctx, or nil.
func ZoneFrom(ctx context.Context) *Zone {
	z, _ := ctx.Value(zoneKey{}).(*Zone)
	return z
}

func withZone(ctx context.Context, z *Zone) context.Context {
	return context.WithValue(ctx, zoneKey{}, z)
}

// Location returns the innermost captured frame outside this module.
func (z *Zone) Location() *Location {
	if z == nil || len(z.Frames) == 0 {
		return nil
	}
	loc := z.Frames[0]
	return &loc
}

func (z *Zone) metadata(wallTime int64) Metadata {
	return Metadata{
		WallTime: wallTime,
		Internal: z.Internal,
		Title:    z.Title,
		Location: z.Location(),
	}
}

func (z *Zone) wrap(err error) error {
	if err == nil || z.Title == "" {
		return err
	}
	var ce *CallError
	if errors.As(err, &ce) {
		return err
	}
	return &CallError{Title: z.Title, Location: z.Location(), Err: err}
}

// WrapAPICall runs fn as one logical API call titled title.
// If ctx already carries a zone, fn runs inside it unchanged, so nested calls made by an API method
// are attributed to the outermost call. Otherwise a new zone is captured from the caller's stack.
// Failures of an outermost call are decorated with its title and location.
func WrapAPICall(ctx context.Context, title string, internal bool, fn func(ctx context.Context) error) error {
	if ZoneFrom(ctx) != nil {
		return fn(ctx)
	}
	z := captureZone(title, internal, 3)
	return z.wrap(fn(withZone(ctx, z)))
}

var moduleDir = func() string {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return ""
	}
	// this file lives in <module>/connection; runtime paths always use forward slashes
	return path.Dir(path.Dir(file)) + "/"
}()

const maxFrames = 32

// captureZone walks the stack, skipping `skip` frames, and keeps the frames that belong to callers:
// frames in the Go runtime and testing packages and in non-test files of this module are dropped.
func captureZone(title string, internal bool, skip int) *Zone {
	pcs := make([]uintptr, maxFrames)
	n := runtime.Callers(skip, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	z := &Zone{ID: uuid.NewString(), Title: title, Internal: internal}
	for {
		f, more := frames.Next()
		if keepFrame(f) {
			z.Frames = append(z.Frames, Location{File: f.File, Line: f.Line})
		}
		if !more {
			break
		}
	}
	return z
}

func keepFrame(f runtime.Frame) bool {
	if f.File == "" {
		return false
	}
	if strings.HasPrefix(f.Function, "runtime.") || strings.HasPrefix(f.Function, "testing.") {
		return false
	}
	if moduleDir != "" && strings.HasPrefix(f.File, moduleDir) && !strings.HasSuffix(f.File, "_test.go") {
		return false
	}
	return true
}
