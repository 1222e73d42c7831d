package pipeline

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"text/template"

	"github.com/c360studio/hexsweep/jobscript"
)

// JobOptions describe the batch descriptor written for HPC dispatch.
type JobOptions struct {
	// Descriptor is the file name inside the workspace (default submit.job).
	Descriptor string
	// Name is the scheduler job name (default hexsweep_c<case>).
	Name      string
	Partition string
	Account   string
	// Walltime is passed to --time (default 10:00:00).
	Walltime string
	Nodes    int
	Tasks    int
	// Modules are loaded with `module load` before the pipeline runs.
	Modules []string
}

func (o JobOptions) withDefaults(caseIndex int) JobOptions {
	if o.Descriptor == "" {
		o.Descriptor = jobscript.DefaultDescriptor
	}
	if o.Name == "" {
		o.Name = fmt.Sprintf("hexsweep_c%03d", caseIndex)
	}
	if o.Walltime == "" {
		o.Walltime = "10:00:00"
	}
	if o.Nodes <= 0 {
		o.Nodes = 1
	}
	if o.Tasks <= 0 {
		o.Tasks = 1
	}
	return o
}

var jobTemplate = template.Must(template.New("job").Funcs(template.FuncMap{
	"quote": jobscript.Quote,
}).Parse(`#!/bin/bash
#SBATCH --job-name={{.Name}}
{{- if .Account}}
#SBATCH --account={{.Account}}
{{- end}}
{{- if .Partition}}
#SBATCH --partition={{.Partition}}
{{- end}}
#SBATCH --time={{.Walltime}}
#SBATCH --nodes={{.Nodes}}
#SBATCH --ntasks={{.Tasks}}
#SBATCH --output=stdout.out
#SBATCH --error=stderr.err
set -e
{{range .Modules}}module load {{.}}
{{end}}cd {{quote .Workspace}}
{{range .Stages}}{{quote $.Binary}} {{.}} --config {{quote $.Config}}{{if $.Debug}} --debug{{end}}
{{end}}`))

// WriteJobDescriptor exports the effective configuration and writes a SLURM
// batch descriptor that runs every stage inside the workspace. It returns the
// descriptor path. The handle state does not change.
func (h *Handle) WriteJobDescriptor(opts JobOptions) (string, error) {
	if h.state != StateConfigured {
		return "", fmt.Errorf("%w: job descriptor from %s", ErrInvalidTransition, h.state)
	}
	opts = opts.withDefaults(h.caseIndex)

	if err := h.ExportConfigToJSON(); err != nil {
		return "", err
	}

	bin, err := FindBinary(h.binaryOptions())
	if err != nil {
		// The descriptor runs on a compute node whose environment may
		// provide the binary.
		bin = h.binary.Name
		if bin == "" {
			bin = DefaultBinary
		}
		h.logger.Warn("Pipeline binary not found locally, descriptor uses bare name",
			slog.String("binary", bin),
			slog.String("error", err.Error()))
	}

	var buf bytes.Buffer
	err = jobTemplate.Execute(&buf, struct {
		JobOptions
		Workspace string
		Binary    string
		Config    string
		Stages    []Stage
		Debug     bool
	}{
		JobOptions: opts,
		Workspace:  h.workspace,
		Binary:     bin,
		Config:     h.ConfigPath(),
		Stages:     Stages,
		Debug:      h.debug(),
	})
	if err != nil {
		return "", fmt.Errorf("render job descriptor: %w", err)
	}

	path := filepath.Join(h.workspace, opts.Descriptor)
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return "", fmt.Errorf("write job descriptor: %w", err)
	}
	return path, nil
}
