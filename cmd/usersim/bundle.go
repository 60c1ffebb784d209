package main

import (
	"flag"
	"fmt"

	"github.com/usersim/usersim-go/bundle"
)

func newBundleCommand() *Command {
	bundleCmd := &Command{
		Name:        "bundle",
		Description: "Push or pull observer packs through an OCI registry",
		FlagSet:     flag.NewFlagSet("bundle", flag.ExitOnError),
	}

	name := bundleCmd.FlagSet.String("name", "", "Bundle name (push)")
	bundleVersion := bundleCmd.FlagSet.String("version", "1.0.0", "Bundle version (push)")
	desc := bundleCmd.FlagSet.String("desc", "", "Bundle description (push)")
	dir := bundleCmd.FlagSet.String("dir", "observers", "Observer pack directory (push)")
	manifest := bundleCmd.FlagSet.String("manifest", "", "Also write the bundle manifest to this file (push)")
	out := bundleCmd.FlagSet.String("out", ".", "Output directory (pull)")

	bundleCmd.Run = func() error {
		args := bundleCmd.FlagSet.Args()
		if len(args) < 2 {
			return fmt.Errorf("usage: usersim bundle [options] push|pull <ref>")
		}
		action, ref := args[0], args[1]

		switch action {
		case "push":
			return pushBundle(ref, *name, *bundleVersion, *desc, *dir, *manifest)
		case "pull":
			return pullBundle(ref, *out)
		default:
			return fmt.Errorf("unknown bundle action %q (want push or pull)", action)
		}
	}

	return bundleCmd
}

func pushBundle(ref, name, version, desc, dir, manifest string) error {
	if name == "" {
		return fmt.Errorf("bundle name is required (-name)")
	}

	b, err := bundle.NewBuilder(name, version).
		WithObserverDir(dir).
		WithDescription(desc).
		Build()
	if err != nil {
		return err
	}
	fmt.Printf("Built bundle %s v%s: %d observer file(s), pack hash %s\n",
		b.Name, b.Version, len(b.ObserverFiles), b.PackHash[:12])

	if manifest != "" {
		if err := bundle.Save(b, manifest); err != nil {
			return err
		}
		fmt.Printf("Manifest written to %s\n", manifest)
	}

	if err := bundle.NewPusher(b).WithObserverDir(dir).Push(ref); err != nil {
		return err
	}
	fmt.Printf("Pushed to %s\n", ref)
	return nil
}

func pullBundle(ref, out string) error {
	b, err := bundle.NewPuller(out).Pull(ref)
	if err != nil {
		return err
	}
	fmt.Printf("Pulled %s v%s (%d observer file(s)) into %s\n",
		b.Name, b.Version, len(b.ObserverFiles), out)
	return nil
}
