package imaging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	meRunRe  = regexp.MustCompile(`.*run(\d{2}).*`)
	echoRe   = regexp.MustCompile(`run\d\d(\.e\d\d)\.nii`)
	prefixRe = regexp.MustCompile(`(run\d\d[^ ("\n.]*)`)
)

// MultiEchoRuns scans a medata directory for per-run NIfTI echo files named
// with a runNN fragment and returns the distinct run numbers, leading zeros
// stripped, sorted.
func MultiEchoRuns(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var runs []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		m := meRunRe.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		run := strconv.Itoa(n)
		if !seen[run] {
			seen[run] = true
			runs = append(runs, run)
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		a, _ := strconv.Atoi(runs[i])
		b, _ := strconv.Atoi(runs[j])
		return a < b
	})
	return runs, nil
}

// ScanNumber normalizes a scan directory's basename to its two-digit form.
func ScanNumber(dir string) (string, error) {
	n, err := strconv.Atoi(filepath.Base(dir))
	if err != nil {
		return "", fmt.Errorf("scan directory %s: %w", dir, err)
	}
	return fmt.Sprintf("%02d", n), nil
}

// Converter runs dcm2niix over per-scan DICOM directories. Binary is the
// executable name, overridable for deployments with a pinned build.
type Converter struct {
	Binary string
}

// ConvertScan converts one scan directory into outDir. Runs whose series
// number appears in meRuns are single-file conversions whose echo outputs
// get renamed next to the gzipped base image, mirroring the medata layout.
func (c *Converter) ConvertScan(ctx context.Context, scanDir, outDir, subNum, scanNum string, multiEcho bool) error {
	bin := c.Binary
	if bin == "" {
		bin = "dcm2niix"
	}

	input := scanDir
	args := []string{"-z", "y", "-f", fmt.Sprintf("run%s_%%p_%%t_sub%s", scanNum, subNum), "-o", outDir}
	if multiEcho {
		first, err := firstFile(scanDir)
		if err != nil {
			return err
		}
		args = append(args, "-s", "y")
		input = first
	}
	args = append(args, "-b", "y", input)

	cmd := exec.CommandContext(ctx, bin, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("dcm2niix scan %s: %w: %s", scanDir, err, strings.TrimSpace(string(out)))
	}
	slog.Debug("dcm2niix finished", "scan", scanDir, "output", string(out))

	if multiEcho {
		return c.renameEchoes(string(out), outDir, scanNum)
	}
	return nil
}

// renameEchoes gives the loose .eNN echo outputs the full converted prefix
// and clones the sidecar for each echo, then drops the single-echo base
// image that the per-echo files supersede.
func (c *Converter) renameEchoes(convOut, outDir, scanNum string) error {
	prefix := ""
	for _, m := range prefixRe.FindAllString(convOut, -1) {
		if strings.HasPrefix(m, "run"+scanNum) {
			prefix = m
			break
		}
	}
	if prefix == "" {
		return fmt.Errorf("dcm2niix output names no run%s file", scanNum)
	}

	entries, err := os.ReadDir(outDir)
	if err != nil {
		return err
	}
	renamed := false
	for _, e := range entries {
		m := echoRe.FindStringSubmatch(e.Name())
		if m == nil || !strings.HasPrefix(e.Name(), "run"+scanNum) {
			continue
		}
		echo := m[1]
		if err := os.Rename(filepath.Join(outDir, e.Name()),
			filepath.Join(outDir, prefix+echo+".nii")); err != nil {
			return err
		}
		if err := copyFile(filepath.Join(outDir, prefix+".json"),
			filepath.Join(outDir, prefix+echo+".json")); err != nil {
			return err
		}
		renamed = true
	}
	if renamed {
		os.Remove(filepath.Join(outDir, prefix+".nii.gz"))
		os.Remove(filepath.Join(outDir, prefix+".json"))
	}
	return nil
}

func firstFile(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if !e.IsDir() {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", fmt.Errorf("no files in %s", dir)
}
