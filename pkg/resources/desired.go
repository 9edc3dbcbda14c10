package resources

import (
	"fmt"
	"sort"

	"github.com/cuemby/converge/pkg/appdef"
	"github.com/cuemby/converge/pkg/reconciler"
	"github.com/cuemby/converge/pkg/types"
)

// DesiredApplications returns the applications installed on the named
// machine, sorted by name, with RunAs taken from their RUN_AS user
func DesiredApplications(svc *reconciler.Services, machineName string) ([]appdef.Instance, error) {
	machine, found, err := svc.FindByPrimaryKey(TypeMachine, machineName)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, types.NewResourceError(types.ErrNotFound, TypeMachine, machineName, "unknown machine")
	}

	apps, err := svc.LinkedFrom(machine, types.LinkInstalledOn, TypeApplication)
	if err != nil {
		return nil, err
	}

	result := make([]appdef.Instance, 0, len(apps))
	for _, res := range apps {
		app := res.(*Application)
		def := app.Definition

		users, err := svc.LinkedTo(app, types.LinkRunAs, TypeUnixUser)
		if err != nil {
			return nil, err
		}
		switch len(users) {
		case 0:
		case 1:
			def.RunAs = users[0].(*UnixUser).UID
		default:
			return nil, fmt.Errorf("application %s runs as %d users", app.Name, len(users))
		}

		result = append(result, appdef.Instance{Name: app.Name, Definition: def})
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}
