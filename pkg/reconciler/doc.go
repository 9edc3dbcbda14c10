/*
Package reconciler drives the resource graph to a fixed point.

Every write to the graph goes through Engine.Execute. The engine commits the
staged changeset, hands what actually changed to the handlers of the
affected types, and commits whatever the handlers staged in turn, until an
iteration produces no change.

# Architecture

	┌─────────────────────── Engine.Execute ───────────────────────┐
	│                                                                │
	│   changeset ──▶ commit ──▶ store.Apply (one batch)             │
	│                   │                                            │
	│                   ▼                                            │
	│   dispatch: OnAdd / OnUpdate / OnDelete per changed resource   │
	│             OnCheckAndFix on neighbours whose links changed    │
	│                   │                                            │
	│                   ▼                                            │
	│   collect orphans: managed resources that lost their owner     │
	│                   │                                            │
	│                   ▼                                            │
	│   next changeset ── empty? ──yes──▶ done                       │
	│         │                                                      │
	│         no ──▶ commit again                                    │
	└────────────────────────────────────────────────────────────────┘

A single mutex is held for the whole loop, so handlers always see a
consistent graph and two callers never interleave their iterations.

# Handlers

A Handler reacts to the lifecycle of one resource type. Most types only
need to recompute what they own, for which NewReconcileHandler adapts a
single ReconcileFunc to add, update and check-and-fix. NopHandler is used
for types without behaviour.

# Managed resources

Services.Manage lets a resource own others through MANAGES links. The owner
lists what it needs; Manage adds the missing resources, links them, and
unlinks the ones no longer needed. A managed resource whose last MANAGES
in-link is removed is deleted by the orphan collector unless it was edited
by hand.

	needed := []types.Resource{&Domain{Name: m.Name}}
	return svc.Manage(cs, m, needed, []string{TypeDomain}, reconciler.ManageOptions{})

# Limits

Config.MaxIterations caps the number of commits in one Execute call; 0
leaves the loop unbounded. Hitting the cap returns types.ErrReconcileLimit.
A handler error aborts the loop and is returned with the resource key.

Engine.ExecuteLater schedules a task on its own goroutine after a delay.
The task stages changes on a fresh changeset which is then executed like
any other. Stop cancels pending tasks.
*/
package reconciler
