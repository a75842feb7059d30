// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// mosaic_opt compiles sample kernels with the TPU passes and reports the results.
//
// Usage:
//
//	mosaic_opt [flags] [kernel...]
//
// With no kernels given it compiles all of them. Use -list to list the kernels and the registered passes.
// Compiled modules can be saved with -save, and compiled further with -load.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/mosaic/pkg/core/ir"
	"github.com/gomlx/mosaic/pkg/support/sets"
	"github.com/gomlx/mosaic/pkg/tpu/deviceid"
	"github.com/gomlx/mosaic/pkg/tpu/pipeline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	defaults = pipeline.DefaultOptions()

	flagGeneration = flag.Int("generation", defaults.HardwareGeneration,
		"Hardware generation to compile for, -1 for generation independent code.")
	flagLanes     = flag.Int("lanes", defaults.LaneCount, "Number of lanes of a vreg.")
	flagSublanes  = flag.Int("sublanes", defaults.SublaneCount, "Number of sublanes of a vreg.")
	flagMXU       = flag.Int("mxu", 0, "Size of the matrix unit. If 0, use the default for the -generation.")
	flagDevices   = flag.Int("devices", 1, "Number of devices in the mesh. If > 1, device ids are translated to physical ones.")
	flagAsserts   = flag.Bool("asserts", false, "Insert debug assertions guarding the vreg accesses.")
	flagBF16      = flag.Bool("bf16_alu", false, "Compute bfloat16 arithmetic natively, regardless of -generation.")
	flagParallel  = flag.Int("parallelism", defaults.Parallelism, "Number of functions compiled in parallel.")
	flagPasses    = flag.String("passes", "", "Comma-separated list of passes to run instead of the standard ones.")
	flagPrintIR   = flag.Bool("print_ir", false, "Print the IR of the functions after compilation.")
	flagList      = flag.Bool("list", false, "List the sample kernels and the registered passes, and exit.")
	flagFailOnErr = flag.Bool("fail", false, "Exit with an error code if any function failed to compile.")
	flagLoad      = flag.String("load", "", "Compile the module saved in the given file instead of the sample kernels.")
	flagSave      = flag.String("save", "", "Save the compiled module to the given file, in a versioned binary format.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	registry := pipeline.NewRegistry()
	if *flagList {
		list(registry)
		return
	}

	m := buildModule(flag.Args())

	opts := options()
	var passes []string
	if *flagPasses != "" {
		passes = strings.Split(*flagPasses, ",")
	} else if *flagDevices > 1 {
		passes = append(pipeline.StandardPasses(opts), deviceid.PassName)
	}
	p, err := pipeline.New(registry, opts, passes...)
	if err != nil {
		klog.Errorf("Failed to configure the pipeline: %+v", err)
		os.Exit(1)
	}
	report := p.CompileModule(m)
	if *flagPrintIR {
		for _, f := range m.Functions {
			fmt.Println(titleStyle.Render(f.Name()))
			fmt.Println(f.String())
		}
	}
	printReport(p, report)
	if *flagSave != "" {
		if err := saveModule(*flagSave, m); err != nil {
			klog.Errorf("Failed to save the module: %+v", err)
			os.Exit(1)
		}
	}
	if err := report.Err(); err != nil && *flagFailOnErr {
		klog.Errorf("%v", err)
		os.Exit(1)
	}
}

// buildModule loads the module given by -load, or builds the named sample kernels (all of them if no
// names are given).
func buildModule(names []string) *ir.Module {
	if *flagLoad != "" {
		m, err := loadModule(*flagLoad)
		if err != nil {
			klog.Errorf("Failed to load the module: %+v", err)
			os.Exit(1)
		}
		return m
	}
	if len(names) == 0 {
		names = kernelNames()
	}
	m := &ir.Module{Name: "mosaic_opt"}
	for _, name := range names {
		build, found := kernels[name]
		if !found {
			klog.Errorf("Unknown kernel %q, see 'mosaic_opt -list'", name)
			os.Exit(1)
		}
		m.Functions = append(m.Functions, must.M1(ir.Build(name, build)))
	}
	return m
}

// options maps the flags to the pipeline options.
func options() pipeline.Options {
	opts := pipeline.ForGeneration(*flagGeneration)
	opts.LaneCount, opts.SublaneCount = *flagLanes, *flagSublanes
	if *flagMXU != 0 {
		opts.MXUContractingSize, opts.MXUNonContractingSize = *flagMXU, *flagMXU
	}
	opts.TotalDevices = *flagDevices
	opts.DebugAsserts = *flagAsserts
	opts.SupportsBF16ALU = opts.SupportsBF16ALU || *flagBF16
	opts.Parallelism = *flagParallel
	return opts
}

func list(registry *pipeline.Registry) {
	fmt.Println(titleStyle.Render("Kernels"))
	table := newTable(lipgloss.Left)
	table.Table.Headers("Kernel", "# Parameters", "# Ops")
	for _, name := range kernelNames() {
		f := must.M1(ir.Build(name, kernels[name]))
		table.Row(false, name, humanize.Comma(int64(len(f.Parameters()))), humanize.Comma(int64(f.NumOps())))
	}
	fmt.Println(table.Table.Render())

	fmt.Println(titleStyle.Render("Passes"))
	standard := sets.MakeWith(pipeline.StandardPasses(pipeline.DefaultOptions())...)
	table = newTable(lipgloss.Left)
	table.Table.Headers("Pass", "Standard")
	for _, name := range registry.Names() {
		table.Row(false, name, fmt.Sprintf("%v", standard.Has(name)))
	}
	fmt.Println(table.Table.Render())
}

func printReport(p *pipeline.Pipeline, report *pipeline.Report) {
	fmt.Println(titleStyle.Render("Summary"))
	summary := newTable(lipgloss.Right, lipgloss.Left)
	var numFailed, opsBefore, opsAfter int
	var elapsed time.Duration
	for _, fr := range report.Functions {
		if fr.Err != nil {
			numFailed++
		}
		opsBefore += fr.NumOpsBefore
		opsAfter += fr.NumOpsAfter
		elapsed += fr.Elapsed
	}
	summary.Row(false, "run id", report.RunID.String())
	summary.Row(false, "passes", strings.Join(p.Passes(), ", "))
	summary.Row(false, "# functions", humanize.Comma(int64(len(report.Functions))))
	summary.Row(numFailed > 0, "# failed", humanize.Comma(int64(numFailed)))
	summary.Row(false, "# ops before", humanize.Comma(int64(opsBefore)))
	summary.Row(false, "# ops after", humanize.Comma(int64(opsAfter)))
	summary.Row(false, "compile time", elapsed.Round(time.Microsecond).String())
	fmt.Println(summary.Table.Render())

	fmt.Println(titleStyle.Render("Functions"))
	table := newTable(lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.Table.Headers("Function", "Status", "Ops Before", "Ops After", "Remote Ops", "Chip-Count Dependent", "Time")
	for _, fr := range report.Functions {
		status := "ok"
		if fr.Err != nil {
			status = firstLine(fr.Err.Error())
		}
		table.Row(fr.Err != nil, fr.Name, status,
			humanize.Comma(int64(fr.NumOpsBefore)),
			humanize.Comma(int64(fr.NumOpsAfter)),
			humanize.Comma(int64(fr.Communication.Communicating)),
			humanize.Comma(int64(fr.Communication.ChipCountDependent)),
			fr.Elapsed.Round(time.Microsecond).String())
	}
	fmt.Println(table.Table.Render())
}

// firstLine of a message, truncated to fit a table cell.
func firstLine(msg string) string {
	const maxLen = 80
	msg, _, _ = strings.Cut(msg, "\n")
	if len(msg) > maxLen {
		msg = msg[:maxLen-3] + "..."
	}
	return msg
}
