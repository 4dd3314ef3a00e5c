// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// yogapose prepares a yoga poses image dataset, trains a classifier on it, exports the trained model and
// predicts the pose of new images.
//
// Usage:
//
//	yogapose sanitize ~/work/yoga_poses
//	yogapose labels ~/work/yoga_poses
//	yogapose train --data=~/work/yoga_poses --checkpoint=base --export=~/work/yoga_model --set="num_epochs=10"
//	yogapose predict --model=~/work/yoga_model/quantized my_pose.jpg
//	yogapose export --checkpoint=~/work/yoga_poses/base --export=~/work/yoga_model
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func main() {
	klog.InitFlags(nil)
	if err := rootCommand().Execute(); err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "yogapose",
		Short:         "Yoga poses dataset preparation, training and prediction",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	// klog flags (-v, -logtostderr, ...) are available to all subcommands.
	root.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	root.AddCommand(
		sanitizeCommand(),
		labelsCommand(),
		trainCommand(),
		predictCommand(),
		exportCommand(),
	)
	return root
}

// newBackend creates the backend configured by $GOMLX_BACKEND (or the default one) and reports it.
func newBackend() (backends.Backend, error) {
	backend, err := backends.New()
	if err != nil {
		return nil, err
	}
	fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	return backend, nil
}
