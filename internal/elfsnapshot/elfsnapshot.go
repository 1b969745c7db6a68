// Package elfsnapshot does best-effort extraction of the source files
// referenced by a workload's DWARF debug information. It is off the
// critical path: any failure is logged and ignored, never fatal, per
// spec §4.7.
package elfsnapshot

import (
	"debug/dwarf"
	"debug/elf"
	"os"

	"github.com/cloudexp/cloudexp/internal/clog"
)

// Collect walks the DWARF line-number programs of each path in
// workloadPaths and returns the set of fully-resolved source file
// paths that exist on the local filesystem. Workloads that cannot be
// opened as ELF, or that carry no DWARF at all, are skipped with a
// warning logged; a best-effort snapshot with zero entries is a valid
// result.
func Collect(workloadPaths []string, logger clog.Logger) []string {
	if logger == nil {
		logger = clog.GetLogger()
	}

	seen := make(map[string]bool)
	var out []string

	for _, path := range workloadPaths {
		files, err := sourceFilesOf(path)
		if err != nil {
			logger.Warn("elf snapshot failed", clog.String("path", path), clog.Err(err))
			continue
		}
		for _, f := range files {
			if seen[f] {
				continue
			}
			if _, statErr := os.Stat(f); statErr != nil {
				continue
			}
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}

func sourceFilesOf(path string) ([]string, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	d, err := f.DWARF()
	if err != nil {
		return nil, err
	}

	var files []string
	reader := d.Reader()
	for {
		entry, err := reader.Next()
		if err != nil {
			// Partial DWARF is common enough (stripped sections,
			// truncated line programs) that bailing out entirely
			// would throw away files we already found.
			break
		}
		if entry == nil {
			break
		}
		if entry.Tag != dwarf.TagCompileUnit {
			continue
		}

		lr, err := d.LineReader(entry)
		if err != nil || lr == nil {
			continue
		}
		for _, fileEntry := range lr.Files() {
			if fileEntry == nil || fileEntry.Name == "" {
				continue
			}
			files = append(files, fileEntry.Name)
		}
	}
	return files, nil
}
