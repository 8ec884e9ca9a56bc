package kernel

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
)

// ErrNoSuchKernel is returned when no kernelspec matches a name.
var ErrNoSuchKernel = errors.New("no such kernel")

// Python3 is the kernel name used when neither the caller nor the notebook
// names one.
const Python3 = "python3"

// Spec is a kernelspec: how to launch a kernel for one language runtime.
type Spec struct {
	Name          string            `json:"-"`
	ResourceDir   string            `json:"-"` // empty for the built-in python3 spec
	Argv          []string          `json:"argv"`
	DisplayName   string            `json:"display_name"`
	Language      string            `json:"language"`
	InterruptMode string            `json:"interrupt_mode,omitempty"` // "signal" (default) or "message"
	Env           map[string]string `json:"env,omitempty"`
	Metadata      map[string]any    `json:"metadata,omitempty"`
}

// Command returns argv with {connection_file} and {resource_dir}
// substituted.
func (s *Spec) Command(connectionFile string) []string {
	r := strings.NewReplacer("{connection_file}", connectionFile, "{resource_dir}", s.ResourceDir)
	argv := make([]string, len(s.Argv))
	for i, a := range s.Argv {
		argv[i] = r.Replace(a)
	}
	return argv
}

// nativePython3 mirrors the kernelspec jupyter_client falls back to when no
// python3 kernelspec is installed.
func nativePython3() *Spec {
	return &Spec{
		Name:        Python3,
		Argv:        []string{"python3", "-m", "ipykernel_launcher", "-f", "{connection_file}"},
		DisplayName: "Python 3 (ipykernel)",
		Language:    "python",
	}
}

// DataDirs returns the Jupyter data directories searched for kernelspecs,
// highest priority first: extra, JUPYTER_DATA_DIR, JUPYTER_PATH, the user
// data dir, the active environment prefix, then system dirs.
func DataDirs(extra []string) []string {
	var dirs []string
	dirs = append(dirs, extra...)
	if d := os.Getenv("JUPYTER_DATA_DIR"); d != "" {
		dirs = append(dirs, d)
	}
	if p := os.Getenv("JUPYTER_PATH"); p != "" {
		dirs = append(dirs, filepath.SplitList(p)...)
	}
	if d := userDataDir(); d != "" {
		dirs = append(dirs, d)
	}
	for _, env := range []string{"VIRTUAL_ENV", "CONDA_PREFIX"} {
		if prefix := os.Getenv(env); prefix != "" {
			dirs = append(dirs, filepath.Join(prefix, "share", "jupyter"))
		}
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("PROGRAMDATA"); pd != "" {
			dirs = append(dirs, filepath.Join(pd, "jupyter"))
		}
	} else {
		dirs = append(dirs, "/usr/local/share/jupyter", "/usr/share/jupyter")
	}
	return compactDirs(dirs)
}

func userDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Jupyter")
	case "windows":
		if appdata := os.Getenv("APPDATA"); appdata != "" {
			return filepath.Join(appdata, "jupyter")
		}
		return ""
	default:
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, "jupyter")
		}
		return filepath.Join(home, ".local", "share", "jupyter")
	}
}

func compactDirs(dirs []string) []string {
	seen := make(map[string]bool, len(dirs))
	out := dirs[:0]
	for _, d := range dirs {
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return out
}

// FindSpec looks up the kernelspec called name in dirs. Names are matched
// case-insensitively. A missing python3 spec falls back to launching
// ipykernel from the python3 on PATH.
func FindSpec(name string, dirs []string) (*Spec, error) {
	name = strings.ToLower(name)
	for _, d := range dirs {
		spec, err := loadSpec(filepath.Join(d, "kernels", name), name)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return spec, nil
	}
	if name == Python3 {
		return nativePython3(), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoSuchKernel, name)
}

// ListSpecs returns every kernelspec found in dirs, sorted by name. A spec
// in an earlier dir shadows one of the same name in a later dir.
func ListSpecs(dirs []string) ([]*Spec, error) {
	byName := make(map[string]*Spec)
	for _, d := range dirs {
		entries, err := os.ReadDir(filepath.Join(d, "kernels"))
		if err != nil {
			continue
		}
		for _, e := range entries {
			name := strings.ToLower(e.Name())
			if !e.IsDir() || byName[name] != nil {
				continue
			}
			spec, err := loadSpec(filepath.Join(d, "kernels", e.Name()), name)
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if err != nil {
				return nil, err
			}
			byName[name] = spec
		}
	}
	if byName[Python3] == nil {
		byName[Python3] = nativePython3()
	}

	specs := make([]*Spec, 0, len(byName))
	for _, s := range byName {
		specs = append(specs, s)
	}
	slices.SortFunc(specs, func(a, b *Spec) int { return strings.Compare(a.Name, b.Name) })
	return specs, nil
}

func loadSpec(dir, name string) (*Spec, error) {
	data, err := os.ReadFile(filepath.Join(dir, "kernel.json"))
	if err != nil {
		return nil, err
	}
	var spec Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parsing kernelspec %s: %w", dir, err)
	}
	if len(spec.Argv) == 0 {
		return nil, fmt.Errorf("kernelspec %s: empty argv", dir)
	}
	spec.Name = name
	spec.ResourceDir = dir
	return &spec, nil
}
