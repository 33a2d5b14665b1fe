// Package hbservetest provides test helpers for hbserve applications.
//
// It constructs the identical DI graph as [hbserve.NewApp] but uses
// [fxtest.App] which fails the test immediately on DI errors.
//
// Example:
//
//	hbservetest.SetBaseEnv(t).RootDir(root)
//	var inst *hbserve.Instance
//	app := hbservetest.New[hbserve.BaseEnvironment](t, setup, hbserve.WithFx(fx.Populate(&inst)))
//	app.RequireStart()
//	t.Cleanup(app.RequireStop)
package hbservetest

import (
	"testing"

	"github.com/advdv/hbridge/hbserve"
	"go.uber.org/fx/fxtest"
)

// App embeds *fxtest.App for testing hbserve applications.
type App struct {
	*fxtest.App
}

// New creates a test app with the same DI graph as [hbserve.NewApp].
func New[E hbserve.Environment](t testing.TB, setup any, opts ...hbserve.AppOption) *App {
	return &App{App: fxtest.New(t, hbserve.FxOptions[E](setup, opts...)...)}
}
