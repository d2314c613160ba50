// Copyright (c) 2025 Fraunhofer AISEC
// Fraunhofer-Gesellschaft zur Foerderung der angewandten Forschung e.V.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/Fraunhofer-AISEC/tdxpredict/engine"
	"github.com/Fraunhofer-AISEC/tdxpredict/measure"
	"github.com/Fraunhofer-AISEC/tdxpredict/report"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"
)

const (
	directBootFlag       = "direct-boot"
	jsonFlag             = "json"
	jsonFileFlag         = "json-file"
	platformOnlyFlag     = "platform-only"
	runtimeOnlyFlag      = "runtime-only"
	transcriptFlag       = "transcript"
	createAcpiTablesFlag = "create-acpi-tables"
	twoPassFlag          = "two-pass-add-pages"
	logLevelFlag         = "log-level"
)

var logLevels = map[string]logrus.Level{
	"panic": logrus.PanicLevel,
	"fatal": logrus.FatalLevel,
	"error": logrus.ErrorLevel,
	"warn":  logrus.WarnLevel,
	"info":  logrus.InfoLevel,
	"debug": logrus.DebugLevel,
	"trace": logrus.TraceLevel,
}

var log = logrus.WithField("service", "tdxpredict")

func main() {
	cmd := &cli.Command{
		Name:      "tdxpredict",
		Usage:     "Predict Intel TDX MRTD/RTMR measurement register values from a boot configuration",
		ArgsUsage: "<metadata.json>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: logLevelFlag, Usage: "set log level: panic, fatal, error, warn, info, debug, trace"},
			&cli.BoolFlag{Name: directBootFlag, Usage: "override boot mode: true for direct boot, false for indirect"},
			&cli.BoolFlag{Name: jsonFlag, Usage: "print measurements as JSON instead of text"},
			&cli.StringFlag{Name: jsonFileFlag, Usage: "also write JSON measurements to this path"},
			&cli.BoolFlag{Name: platformOnlyFlag, Usage: "compute MRTD and RTMR0 only"},
			&cli.BoolFlag{Name: runtimeOnlyFlag, Usage: "compute RTMR1 and RTMR2 only"},
			&cli.StringFlag{Name: transcriptFlag, Usage: "write a human-readable per-event transcript to this path"},
			&cli.StringFlag{Name: createAcpiTablesFlag, Usage: "accept externally generated ACPI tables for a distribution, e.g. ubuntu:25.04"},
			&cli.BoolFlag{Name: twoPassFlag, Usage: "fold MRTD pages in the two-pass AUG-then-EXTEND order instead of one-pass"},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	if level := cmd.String(logLevelFlag); level != "" {
		l, ok := logLevels[strings.ToLower(level)]
		if !ok {
			log.Warnf("log level %q does not exist, defaulting to info", level)
			l = logrus.InfoLevel
		}
		logrus.SetLevel(l)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}

	metadataPath := cmd.Args().First()
	if metadataPath == "" {
		return fmt.Errorf("missing required argument: path to metadata json file")
	}

	data, err := os.ReadFile(metadataPath)
	if err != nil {
		return fmt.Errorf("failed to read image metadata: %w", err)
	}
	cfg, err := measure.ParseImageConfig(data)
	if err != nil {
		return fmt.Errorf("failed to parse image metadata: %w", err)
	}

	platformOnly := cmd.Bool(platformOnlyFlag)
	runtimeOnly := cmd.Bool(runtimeOnlyFlag)
	createAcpiTables := cmd.IsSet(createAcpiTablesFlag)

	opts := engine.Options{
		PlatformOnly:     platformOnly,
		RuntimeOnly:      runtimeOnly,
		CreateAcpiTables: createAcpiTables,
		TwoPassAddPages:  cmd.Bool(twoPassFlag),
	}
	if cmd.IsSet(directBootFlag) {
		v := cmd.Bool(directBootFlag)
		opts.DirectBootOverride = &v
	}

	if runtimeOnly && createAcpiTables {
		log.Warn("--create-acpi-tables is not required with --runtime-only and will be ignored")
	}

	m, err := engine.NewMachine(metadataPath, cfg, opts)
	if err != nil {
		return err
	}

	var rep *engine.Report
	switch {
	case platformOnly:
		rep, err = m.MeasurePlatform()
	case runtimeOnly:
		rep, err = m.MeasureRuntime()
	default:
		rep, err = m.Measure()
	}
	if err != nil {
		return fmt.Errorf("failed to measure machine configuration: %w", err)
	}

	if transcriptPath := cmd.String(transcriptFlag); transcriptPath != "" {
		f, err := os.Create(transcriptPath)
		if err != nil {
			log.Warnf("failed to write transcript, skipping: %v", err)
		} else {
			defer f.Close()
			if err := report.Transcript(f, rep.Events); err != nil {
				log.Warnf("failed to write transcript, skipping: %v", err)
			}
		}
	}

	return outputMeasurements(cmd, rep)
}

func outputMeasurements(cmd *cli.Command, rep *engine.Report) error {
	regs := report.Registers{Mrtd: rep.Mrtd, Rtmr0: rep.Rtmr0, Rtmr1: rep.Rtmr1, Rtmr2: rep.Rtmr2}

	if cmd.Bool(jsonFlag) {
		if err := report.JSON(os.Stdout, regs); err != nil {
			return fmt.Errorf("failed to write JSON measurements: %w", err)
		}
	} else {
		if err := report.Text(os.Stdout, regs); err != nil {
			return fmt.Errorf("failed to write measurements: %w", err)
		}
	}

	if jsonFile := cmd.String(jsonFileFlag); jsonFile != "" {
		f, err := os.Create(jsonFile)
		if err != nil {
			return fmt.Errorf("failed to write measurements to file: %w", err)
		}
		defer f.Close()
		if err := report.JSON(f, regs); err != nil {
			return fmt.Errorf("failed to write measurements to file: %w", err)
		}
	}

	return nil
}
