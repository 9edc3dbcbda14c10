/*
Package orchestrator converges the containers of one machine towards the
applications installed on it.

# Architecture

Each cycle compares the desired applications with the runtime snapshot of
the previous cycle and the containers actually running:

	┌────────────────────── Orchestrator.Run ───────────────────────┐
	│                                                                 │
	│  1. load snapshot, create network, list running containers     │
	│  2. stop applications that are no longer desired               │
	│  3. plan: hash each definition, reserve or allocate an IP      │
	│  4. apply plans on a bounded worker pool                       │
	│       build ──▶ start ──▶ copy / exec when started             │
	│  5. merge outcomes, record redirects, save snapshot            │
	└─────────────────────────────────────────────────────────────────┘

Three hashes decide what an application needs:

  - image hash changed: rebuild the image and restart the container
  - run hash changed, IP changed or container gone: restart
  - start hash changed: repeat the post-start copies and commands

An application whose hashes all match and whose container runs is left
alone. Cron applications are built only; their schedule is recorded in the
snapshot and nothing runs between executions.

# Failures

A failing command marks its application failed without affecting the
others. The failed entry keeps the hashes reached before the failure, so
the next cycle resumes from the first step that did not complete. Every
command is bounded by Config.CommandTimeout.

# Addresses

When the runtime supports networks, each always-on application gets an
address from Config.Subnet, skipping the network address, the .1 gateway
and the broadcast address. Addresses survive across cycles: previous
assignments are reserved before new ones are allocated.

# Usage

	orch, err := orchestrator.New(rt, store, orchestrator.DefaultConfig())
	if err != nil {
		return err
	}
	orch.Start(func(ctx context.Context) ([]appdef.Instance, error) {
		return resources.DesiredApplications(svc, machine)
	})
	defer orch.Stop()

The snapshot lives in the graph store (bbolt runtime bucket) or, with
FileSnapshotStore, in a JSON file replaced atomically on every save.
*/
package orchestrator
