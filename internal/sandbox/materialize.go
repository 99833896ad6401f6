package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

const (
	policyRun     = "nsjail.cfg"
	policyInstall = "nsjail-install.cfg"

	// jailDir is where the sandbox directory appears inside the jail.
	jailDir = "/sandbox"

	// nodeTypesVersion pins @types/node; the wrapper uses process.
	nodeTypesVersion = "20.11.30"
)

var importPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?m)\bimport\s+(?:type\s+)?[\w*{}\s,$]+\s+from\s+['"]([^'"]+)['"]`),
	regexp.MustCompile(`(?m)\bimport\s+['"]([^'"]+)['"]`),
	regexp.MustCompile(`(?m)\bexport\s+[\w*{}\s,$]+\s+from\s+['"]([^'"]+)['"]`),
	regexp.MustCompile(`\brequire\s*\(\s*['"]([^'"]+)['"]\s*\)`),
	regexp.MustCompile(`\bimport\s*\(\s*['"]([^'"]+)['"]\s*\)`),
}

var nodeBuiltins = map[string]bool{
	"assert": true, "async_hooks": true, "buffer": true, "child_process": true,
	"cluster": true, "console": true, "constants": true, "crypto": true,
	"dgram": true, "diagnostics_channel": true, "dns": true, "domain": true,
	"events": true, "fs": true, "http": true, "http2": true, "https": true,
	"inspector": true, "module": true, "net": true, "os": true, "path": true,
	"perf_hooks": true, "process": true, "punycode": true, "querystring": true,
	"readline": true, "repl": true, "stream": true, "string_decoder": true,
	"sys": true, "timers": true, "tls": true, "trace_events": true, "tty": true,
	"url": true, "util": true, "v8": true, "vm": true, "wasi": true,
	"worker_threads": true, "zlib": true,
}

// DiscoverDependencies returns the sorted set of npm packages a script
// imports. Relative paths and Node builtins are skipped, and subpath imports
// are reduced to their package name.
func DiscoverDependencies(code string) []string {
	seen := make(map[string]struct{})
	for _, re := range importPatterns {
		for _, m := range re.FindAllStringSubmatch(code, -1) {
			if name := packageName(m[1]); name != "" {
				seen[name] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func packageName(spec string) string {
	if spec == "" || strings.HasPrefix(spec, ".") || strings.HasPrefix(spec, "/") || strings.HasPrefix(spec, "node:") {
		return ""
	}
	parts := strings.Split(spec, "/")
	if strings.HasPrefix(spec, "@") {
		if len(parts) < 2 || parts[1] == "" {
			return ""
		}
		return parts[0] + "/" + parts[1]
	}
	if nodeBuiltins[parts[0]] {
		return ""
	}
	return parts[0]
}

var tsconfig = map[string]interface{}{
	"compilerOptions": map[string]interface{}{
		"target":           "ES2020",
		"module":           "commonjs",
		"outDir":           "dist",
		"strict":           false,
		"esModuleInterop":  true,
		"skipLibCheck":     true,
		"moduleResolution": "node",
		"types":            []string{"node"},
	},
	"files": []string{"index.ts"},
}

// materialize writes the project files and isolation policies into dir.
func (s *Sandbox) materialize(dir, id, code string, deps []string, allowNetwork bool) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create sandbox dir: %w", err)
	}

	pkgDeps := make(map[string]string, len(deps))
	for _, d := range deps {
		pkgDeps[d] = "latest"
	}
	pkg := map[string]interface{}{
		"name":         "sandbox-" + id,
		"version":      "1.0.0",
		"private":      true,
		"dependencies": pkgDeps,
		"devDependencies": map[string]string{
			"@types/node": nodeTypesVersion,
		},
	}

	files := map[string]interface{}{
		"package.json":  pkg,
		"tsconfig.json": tsconfig,
	}
	for name, v := range files {
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("encode %s: %w", name, err)
		}
		if err := os.WriteFile(filepath.Join(dir, name), b, 0o600); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}

	if err := os.WriteFile(filepath.Join(dir, "index.ts"), []byte(code), 0o600); err != nil {
		return fmt.Errorf("write index.ts: %w", err)
	}

	// Installs always need the registry; the script itself only gets the
	// network when the node allows it.
	policies := map[string]bool{policyInstall: true, policyRun: allowNetwork}
	for name, network := range policies {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(nsjailPolicy(id, dir, network)), 0o600); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}

// nsjailPolicy renders an nsjail protobuf-text config confining the child to
// the sandbox directory plus read-only system mounts. nsjail applies mounts
// in order, and the host directory is bound at jailDir so a tmpfs on /tmp
// can never shadow it.
func nsjailPolicy(id, dir string, network bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "name: %q\n", "flowengine-"+id)
	b.WriteString("mode: ONCE\n")
	b.WriteString("hostname: \"sandbox\"\n")
	fmt.Fprintf(&b, "cwd: %q\n", jailDir)
	b.WriteString("clone_newuser: true\n")
	b.WriteString("clone_newpid: true\n")
	b.WriteString("clone_newipc: true\n")
	b.WriteString("clone_newuts: true\n")
	fmt.Fprintf(&b, "clone_newnet: %t\n", !network)
	b.WriteString("rlimit_as_type: HARD\n")
	b.WriteString("rlimit_nofile: 256\n")
	b.WriteString("rlimit_nproc_type: SOFT\n")
	for _, ro := range []string{"/usr", "/lib", "/lib64", "/bin", "/etc/ssl", "/etc/resolv.conf"} {
		fmt.Fprintf(&b, "mount {\n  src: %q\n  dst: %q\n  is_bind: true\n  mandatory: false\n}\n", ro, ro)
	}
	b.WriteString("mount {\n  dst: \"/tmp\"\n  fstype: \"tmpfs\"\n  rw: true\n}\n")
	fmt.Fprintf(&b, "mount {\n  src: %q\n  dst: %q\n  is_bind: true\n  rw: true\n}\n", dir, jailDir)
	return b.String()
}
