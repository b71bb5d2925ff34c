package main

import (
	"context"

	"github.com/danmuck/convergectl/internal/config"
	"github.com/danmuck/convergectl/internal/coord"
	"github.com/danmuck/convergectl/internal/coord/backend"
	"github.com/danmuck/convergectl/internal/discovery"
	"github.com/danmuck/convergectl/internal/install"
	"github.com/danmuck/convergectl/internal/observability"
	"github.com/danmuck/convergectl/internal/recipes"
	"github.com/danmuck/convergectl/internal/resource"
	"github.com/danmuck/convergectl/internal/service"
	"github.com/danmuck/convergectl/internal/tools"
)

func newEngine(host config.Host, dryRun bool) (*resource.Engine, error) {
	runner := tools.ExecRunner{}
	installer, err := install.NewInstaller(install.Config{
		CacheDir: host.CacheDir,
		Attempts: host.Install.Attempts,
		Timeout:  host.Install.Timeout,
		Runner:   runner,
	})
	if err != nil {
		return nil, err
	}
	paths := service.DefaultPaths()
	paths.SupervisorDir = host.Supervisor.Dir

	return resource.NewEngine(resource.Config{
		Runner:    runner,
		Installer: installer,
		Services:  service.NewController(service.Config{Runner: runner, Paths: paths}),
		OpenStore: func(ctx context.Context) (coord.Store, error) {
			return backend.Open(ctx, host.Coordination)
		},
		Observer: observability.Convergence{},
		DryRun:   dryRun,
		Host:     host.Name,
	}), nil
}

// plan loads the host file, gathers facts and builds the resource list.
func plan(ctx context.Context, hostFile string) (config.Host, []resource.Resource, error) {
	host, err := config.LoadHost(hostFile)
	if err != nil {
		return config.Host{}, nil, err
	}
	facts, err := discovery.Gather(ctx, host, nil)
	if err != nil {
		return host, nil, err
	}
	resources, err := recipes.Plan(host, facts)
	if err != nil {
		return host, nil, err
	}
	return host, resources, nil
}

// converge runs one full pass over the host file.
func converge(ctx context.Context, hostFile string, dryRun bool) (resource.Report, error) {
	host, resources, err := plan(ctx, hostFile)
	if err != nil {
		return resource.Report{Host: host.Name, DryRun: dryRun}, err
	}
	engine, err := newEngine(host, dryRun)
	if err != nil {
		return resource.Report{Host: host.Name, DryRun: dryRun}, err
	}
	return engine.Run(ctx, resources)
}
