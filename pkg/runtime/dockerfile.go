package runtime

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cuemby/converge/pkg/appdef"
)

// hostDir is the build context folder absolute copy sources are staged in
const hostDir = "host"

// Dockerfile renders the image build of a definition. Copy steps with an
// absolute source refer to host files staged under host/<index>.
func Dockerfile(def appdef.Definition) string {
	var b strings.Builder
	line := func(format string, args ...any) {
		fmt.Fprintf(&b, format+"\n", args...)
	}

	line("FROM %s", def.From)

	users := append([]appdef.UserIDChange(nil), def.UsersToChangeID...)
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	for _, u := range users {
		line("RUN usermod -u %d %s", u.UID, u.Username)
	}

	for i, step := range def.BuildSteps {
		switch step.Kind {
		case appdef.StepCopy:
			line("COPY %s %s", contextSource(i, step.Source), step.Destination)
		case appdef.StepCommand:
			line("RUN %s", step.Command)
		}
	}

	for _, v := range def.Volumes {
		cmd := "mkdir -p " + v.ContainerFolder
		if v.OwnerUID != 0 || v.OwnerGID != 0 {
			cmd += fmt.Sprintf(" && chown %d:%d %s", v.OwnerUID, v.OwnerGID, v.ContainerFolder)
		}
		if v.Permissions != "" {
			cmd += fmt.Sprintf(" && chmod %s %s", v.Permissions, v.ContainerFolder)
		}
		line("RUN %s", cmd)
	}

	for _, k := range sortedKeys(def.Environment) {
		line("ENV %s=%s", k, strconv.Quote(def.Environment[k]))
	}

	var exposed []string
	for _, host := range sortedPorts(def.PortsExposed) {
		exposed = append(exposed, strconv.Itoa(def.PortsExposed[host]))
	}
	for _, host := range sortedPorts(def.PortsExposedUDP) {
		exposed = append(exposed, strconv.Itoa(def.PortsExposedUDP[host])+"/udp")
	}
	if len(exposed) > 0 {
		line("EXPOSE %s", strings.Join(exposed, " "))
	}

	if def.WorkingDirectory != "" {
		line("WORKDIR %s", def.WorkingDirectory)
	}
	if def.RunAs != 0 {
		line("USER %d", def.RunAs)
	}
	if len(def.EntryPoint) > 0 {
		line("ENTRYPOINT %s", jsonArray(def.EntryPoint))
		if def.Command != "" {
			line("CMD %s", jsonArray(strings.Fields(def.Command)))
		}
	} else if def.Command != "" {
		line("CMD %s", def.Command)
	}
	return b.String()
}

func contextSource(step int, source string) string {
	if path.IsAbs(source) {
		return path.Join(hostDir, strconv.Itoa(step))
	}
	return source
}

func jsonArray(values []string) string {
	data, _ := json.Marshal(values)
	return string(data)
}

// WriteBuildContext lays out the Dockerfile, the assets and the staged host
// sources of def in dir
func WriteBuildContext(dir string, def appdef.Definition) error {
	for _, a := range def.Assets {
		target, err := inside(dir, a.Path)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return fmt.Errorf("failed to create asset folder: %w", err)
		}
		if err := os.WriteFile(target, []byte(a.Content), 0644); err != nil {
			return fmt.Errorf("failed to write asset %s: %w", a.Path, err)
		}
	}

	for i, step := range def.BuildSteps {
		if step.Kind != appdef.StepCopy || !path.IsAbs(step.Source) {
			continue
		}
		target := filepath.Join(dir, hostDir, strconv.Itoa(i))
		if err := copyTree(step.Source, target); err != nil {
			return fmt.Errorf("failed to stage %s: %w", step.Source, err)
		}
	}

	return os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte(Dockerfile(def)), 0644)
}

// inside joins rel onto dir and rejects paths escaping it
func inside(dir, rel string) (string, error) {
	target := filepath.Join(dir, filepath.FromSlash(rel))
	if r, err := filepath.Rel(dir, target); err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("asset path %q leaves the build context", rel)
	}
	return target, nil
}

// copyTree copies a file or a folder to target
func copyTree(source, target string) error {
	return filepath.WalkDir(source, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(source, p)
		if err != nil {
			return err
		}
		dest := filepath.Join(target, rel)
		if d.IsDir() {
			return os.MkdirAll(dest, 0755)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return err
		}
		return os.WriteFile(dest, data, info.Mode().Perm())
	})
}
