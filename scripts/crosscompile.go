package main

// crosscompile builds geocluster-map for the supported platforms into
// binaries/<version>/<os>/<arch>. DuckDB needs cgo, so only the targets in
// supportsDuckDB get the duckdb tag.
//
//	go run ./scripts

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

type target struct{ os, arch string }

var targets = []target{
	{"linux", "amd64"}, {"linux", "arm64"}, {"linux", "386"}, {"linux", "riscv64"},
	{"darwin", "amd64"}, {"darwin", "arm64"},
	{"windows", "amd64"}, {"windows", "arm64"}, {"windows", "386"},
	{"freebsd", "amd64"}, {"openbsd", "amd64"},
}

func main() {
	jobs := flag.Int("j", runtime.NumCPU(), "parallel builds")
	out := flag.String("out", "binaries", "output root")
	flag.Parse()

	version, err := gitVersion()
	if err != nil {
		log.Printf("version from git: %v; using dev", err)
		version = "dev"
	}
	fmt.Printf("Building geocluster-map %s\n", version)

	work := make(chan target)
	results := make(chan string)
	for i := 0; i < max(*jobs, 1); i++ {
		go func() {
			for t := range work {
				results <- build(*out, version, t)
			}
		}()
	}
	go func() {
		for _, t := range targets {
			work <- t
		}
		close(work)
	}()
	for range targets {
		fmt.Println(<-results)
	}

	latest := filepath.Join(*out, "latest")
	_ = os.Remove(latest)
	if err := os.Symlink(version, latest); err != nil {
		log.Printf("symlink latest: %v", err)
	}
}

func build(root, version string, t target) string {
	dir := filepath.Join(root, version, t.os, t.arch)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Sprintf("%s/%s: mkdir: %v", t.os, t.arch, err)
	}
	name := "geocluster-map"
	if t.os == "windows" {
		name += ".exe"
	}

	args := []string{"build", "-trimpath", "-ldflags", "-s -w -X 'main.CompileVersion=" + version + "'"}
	duck := supportsDuckDB(t.os, t.arch)
	if duck {
		args = append(args, "-tags", "duckdb")
	}
	args = append(args, "-o", filepath.Join(dir, name), ".")

	cmd := exec.Command("go", args...)
	cmd.Env = append(os.Environ(), "GOOS="+t.os, "GOARCH="+t.arch)
	if duck {
		cmd.Env = append(cmd.Env, "CGO_ENABLED=1")
	} else {
		cmd.Env = append(cmd.Env, "CGO_ENABLED=0")
	}
	if outp, err := cmd.CombinedOutput(); err != nil {
		_ = os.RemoveAll(dir)
		return fmt.Sprintf("%s/%s: FAILED: %v\n%s", t.os, t.arch, err, strings.TrimSpace(string(outp)))
	}
	return fmt.Sprintf("%s/%s: ok (duckdb=%v)", t.os, t.arch, duck)
}

// supportsDuckDB reports whether go-duckdb ships prebuilt libraries for the pair.
func supportsDuckDB(goos, arch string) bool {
	switch goos {
	case "linux":
		return arch == "amd64" && runtime.GOOS == "linux"
	case "darwin":
		return (arch == "amd64" || arch == "arm64") && runtime.GOOS == "darwin"
	default:
		return false
	}
}

// gitVersion returns the commit count, with -dirty for uncommitted changes.
func gitVersion() (string, error) {
	count, err := exec.Command("git", "rev-list", "--count", "HEAD").Output()
	if err != nil {
		return "", err
	}
	v := strings.TrimSpace(string(count))
	if status, err := exec.Command("git", "status", "--porcelain").Output(); err == nil && len(strings.TrimSpace(string(status))) > 0 {
		v += "-dirty"
	}
	return v, nil
}
