package resources

import (
	"context"
	"fmt"
	"path"
	"sort"

	"github.com/cuemby/converge/pkg/changes"
	"github.com/cuemby/converge/pkg/reconciler"
	"github.com/cuemby/converge/pkg/types"
)

// FirstUID is the first uid handed out to unix users created without one
const FirstUID int64 = 70000

// RegisterHandlers installs the handlers of every built-in type on e
func RegisterHandlers(e *reconciler.Engine) {
	e.Register(TypeMachine, reconciler.NewReconcileHandler(reconcileMachine))
	e.Register(TypeDnsPointer, reconciler.NewReconcileHandler(reconcileDnsPointer))
	e.Register(TypeUnixUser, reconciler.NewReconcileHandler(reconcileUnixUser))
	e.Register(TypeCertificate, reconciler.NewReconcileHandler(reconcileCertificate))
	e.Register(TypeApplication, reconciler.NewReconcileHandler(reconcileApplication))
}

// reconcileMachine manages the domain named after the machine and its A
// record
func reconcileMachine(_ context.Context, svc *reconciler.Services, cs *changes.Changeset, r types.Resource) error {
	m := r.(*Machine)

	needed := []types.Resource{&Domain{Name: m.Name}}
	if m.PublicIP != "" {
		needed = append(needed, &DnsEntry{Name: m.Name, Type: DnsA, Details: m.PublicIP})
	}
	return svc.Manage(cs, m, needed, []string{TypeDomain, TypeDnsEntry}, reconciler.ManageOptions{})
}

func reconcileDnsPointer(_ context.Context, svc *reconciler.Services, cs *changes.Changeset, r types.Resource) error {
	p := r.(*DnsPointer)

	machines, err := svc.LinkedTo(p, types.LinkPointsTo, TypeMachine)
	if err != nil {
		return err
	}

	var needed []types.Resource
	for _, res := range machines {
		m := res.(*Machine)
		if m.PublicIP == "" {
			continue
		}
		needed = append(needed, &DnsEntry{Name: p.Name, Type: DnsA, Details: m.PublicIP})
	}
	return svc.Manage(cs, p, needed, []string{TypeDnsEntry}, reconciler.ManageOptions{})
}

// reconcileUnixUser fills the uid, home folder and shell of new users and
// rejects uids used twice
func reconcileUnixUser(_ context.Context, svc *reconciler.Services, cs *changes.Changeset, r types.Resource) error {
	u := r.(*UnixUser)
	reg := svc.Registry()

	if u.UID != 0 {
		q, err := svc.Query(TypeUnixUser).Equals("uid", u.UID).Build()
		if err != nil {
			return err
		}
		count, err := svc.Count(q)
		if err != nil {
			return err
		}
		if count > 1 {
			return types.NewResourceError(types.ErrIllegalUpdate, TypeUnixUser, reg.MustKey(u), "uid %d is already used", u.UID)
		}
	}

	if u.UID != 0 && u.HomeFolder != "" && u.Shell != "" {
		return nil
	}

	updated, err := reg.Clone(u)
	if err != nil {
		return err
	}
	next := updated.(*UnixUser)
	if next.UID == 0 {
		uid, err := nextUID(svc, cs)
		if err != nil {
			return err
		}
		next.UID = uid
	}
	if next.HomeFolder == "" {
		next.HomeFolder = path.Join("/home", next.Username)
	}
	if next.Shell == "" {
		next.Shell = "/bin/bash"
	}
	return cs.ResourceUpdate(u.Meta().ID, next)
}

// nextUID returns the uid after the highest one committed or already staged
func nextUID(svc *reconciler.Services, cs *changes.Changeset) (int64, error) {
	q, err := svc.Query(TypeUnixUser).GreaterOrEqual("uid", FirstUID).Build()
	if err != nil {
		return 0, err
	}
	users, err := svc.FindAll(q)
	if err != nil {
		return 0, err
	}

	next := FirstUID
	take := func(uid int64) {
		if uid >= next {
			next = uid + 1
		}
	}
	for _, res := range users {
		take(res.(*UnixUser).UID)
	}
	for _, u := range cs.Updates() {
		if staged, ok := u.Resource.(*UnixUser); ok {
			take(staged.UID)
		}
	}
	return next, nil
}

// reconcileCertificate checks the validity window and links the
// certificate to the domains it covers that exist
func reconcileCertificate(_ context.Context, svc *reconciler.Services, cs *changes.Changeset, r types.Resource) error {
	c := cert(r)
	if !c.End.IsZero() && c.End.Before(c.Start) {
		return types.NewResourceError(types.ErrIllegalUpdate, r.ResourceType(), svc.Registry().MustKey(r),
			"end %s is before start %s", c.End.Format("2006-01-02"), c.Start.Format("2006-01-02"))
	}

	var domains []types.Resource
	for _, name := range c.Domains {
		d, found, err := svc.FindByPrimaryKey(TypeDomain, name)
		if err != nil {
			return err
		}
		if found {
			domains = append(domains, d)
		}
	}
	return svc.SyncLinks(cs, r, types.LinkUses, TypeDomain, domains)
}

// reconcileApplication manages the domains of the application and one A
// record per domain and machine it is installed on
func reconcileApplication(_ context.Context, svc *reconciler.Services, cs *changes.Changeset, r types.Resource) error {
	app := r.(*Application)
	if err := app.Definition.Validate(); err != nil {
		return types.NewResourceError(types.ErrIllegalUpdate, TypeApplication, svc.Registry().MustKey(app), "%v", err)
	}

	machines, err := svc.LinkedTo(app, types.LinkInstalledOn, TypeMachine)
	if err != nil {
		return err
	}
	var ips []string
	for _, res := range machines {
		if ip := res.(*Machine).PublicIP; ip != "" {
			ips = append(ips, ip)
		}
	}
	sort.Strings(ips)

	domains := append([]string(nil), app.Domains...)
	sort.Strings(domains)

	var needed []types.Resource
	for _, name := range domains {
		needed = append(needed, &Domain{Name: name})
		for _, ip := range ips {
			needed = append(needed, &DnsEntry{Name: name, Type: DnsA, Details: ip})
		}
	}
	if err := svc.Manage(cs, app, needed, []string{TypeDomain, TypeDnsEntry}, reconciler.ManageOptions{}); err != nil {
		return fmt.Errorf("application %s: %w", app.Name, err)
	}
	return nil
}
