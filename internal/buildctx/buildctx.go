// Package buildctx holds the collaborators shared by every bundle of one
// build run. A [Context] is created once per run and torn down with
// [Context.Close].
package buildctx

import (
	"errors"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/steveyegge/assetpack/internal/events"
	"github.com/steveyegge/assetpack/internal/fsys"
	"github.com/steveyegge/assetpack/internal/library"
	"github.com/steveyegge/assetpack/internal/md5cache"
	"github.com/steveyegge/assetpack/internal/scripts"
)

// Options are the run-wide build switches.
type Options struct {
	Platform string
	// Debug keeps output human readable and skips script minification.
	Debug bool
	// MD5Cache stamps output files with content hashes.
	MD5Cache bool
	// InlineImages folds image records into their texture's record.
	InlineImages bool
}

// Context is the explicit replacement for process-wide build state.
type Context struct {
	Options  Options
	FS       fsys.FS
	Log      logrus.FieldLogger
	Library  *library.Library
	Compiler scripts.Compiler
	Recorder events.Recorder
	// Journal backs interrupted versioning. Nil selects an in-memory
	// journal per bundle.
	Journal md5cache.Journal

	closers []func() error
}

// Validate reports missing collaborators.
func (c *Context) Validate() error {
	var err error
	if c.FS == nil {
		err = multierror.Append(err, errors.New("build context: no filesystem"))
	}
	if c.Log == nil {
		err = multierror.Append(err, errors.New("build context: no logger"))
	}
	if c.Library == nil {
		err = multierror.Append(err, errors.New("build context: no asset library"))
	}
	return err
}

// Events returns the recorder, never nil.
func (c *Context) Events() events.Recorder {
	if c.Recorder == nil {
		return events.Discard
	}
	return c.Recorder
}

// OnClose registers fn to run at teardown. Functions run in reverse
// registration order.
func (c *Context) OnClose(fn func() error) {
	c.closers = append(c.closers, fn)
}

// Close resets the library and runs the teardown functions, collecting
// their errors.
func (c *Context) Close() error {
	var result *multierror.Error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	c.closers = nil
	if c.Library != nil {
		c.Library.Reset()
	}
	return result.ErrorOrNil()
}
