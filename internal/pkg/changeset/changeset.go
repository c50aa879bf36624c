// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package changeset decides which kernel images should be built and which should be removed.
package changeset

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"slices"
	"strings"

	"github.com/siderolabs/gen/maps"
	"github.com/siderolabs/gen/xslices"

	"github.com/siderolabs/sbupdate/internal/pkg/kernel"
)

// Kind is the kind of a changed path reported by the package manager hook.
type Kind int

// Change kinds.
const (
	// OtherDependency is any change which is not specific to a single kernel (microcode, unrelated files).
	OtherDependency Kind = iota
	// KernelChanged is an installed or upgraded kernel image.
	KernelChanged
	// KernelRemoved is a kernel image which no longer exists on disk.
	KernelRemoved
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case OtherDependency:
		return "other"
	case KernelChanged:
		return "changed"
	case KernelRemoved:
		return "removed"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Change is a classified hook input line.
type Change struct {
	Kind    Kind
	Version kernel.Version
}

// kernelPathRe matches a boot-relative kernel image path as reported by the hook.
//
// The version is a single path element, anything else is treated as another dependency.
var kernelPathRe = regexp.MustCompile(`^boot/` + regexp.QuoteMeta(kernel.ImagePrefix) + `([^/]+)$`)

// Classify turns a single hook input line into a Change.
//
// exists reports whether the kernel image for a version is still present on disk.
func Classify(line string, exists func(kernel.Version) bool) Change {
	line = strings.TrimPrefix(strings.TrimSpace(line), "/")

	matches := kernelPathRe.FindStringSubmatch(line)
	if matches == nil {
		return Change{Kind: OtherDependency}
	}

	v := kernel.Version(matches[1])

	if !exists(v) {
		return Change{Kind: KernelRemoved, Version: v}
	}

	return Change{Kind: KernelChanged, Version: v}
}

// ChangeSet is the result of the resolution, ToBuild and ToRemove are disjoint and sorted.
type ChangeSet struct {
	ToBuild  []kernel.Version
	ToRemove []kernel.Version
}

// Empty returns true if there is nothing to do.
func (cs ChangeSet) Empty() bool {
	return len(cs.ToBuild) == 0 && len(cs.ToRemove) == 0
}

// Full returns the change set of a direct invocation: every installed kernel is rebuilt.
func Full(installed []kernel.Version) ChangeSet {
	toBuild := slices.Clone(installed)
	slices.Sort(toBuild)

	return ChangeSet{
		ToBuild: slices.Compact(toBuild),
	}
}

// FromHook consumes changed paths (one per line) until the end of stream and resolves them.
//
// Any line which is not a kernel image forces a rebuild of all installed kernels,
// removals are kept regardless.
func FromHook(r io.Reader, installed []kernel.Version, exists func(kernel.Version) bool) (ChangeSet, error) {
	toBuild := map[kernel.Version]struct{}{}
	toRemove := map[kernel.Version]struct{}{}

	forceAll := false

	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) == "" {
			continue
		}

		change := Classify(scanner.Text(), exists)

		switch change.Kind {
		case KernelChanged:
			toBuild[change.Version] = struct{}{}
		case KernelRemoved:
			toRemove[change.Version] = struct{}{}
		case OtherDependency:
			forceAll = true
		}
	}

	if err := scanner.Err(); err != nil {
		return ChangeSet{}, fmt.Errorf("failed to read changed paths: %w", err)
	}

	if forceAll {
		toBuild = xslices.ToSet(installed)
	}

	for v := range toRemove {
		delete(toBuild, v)
	}

	cs := ChangeSet{
		ToBuild:  maps.Keys(toBuild),
		ToRemove: maps.Keys(toRemove),
	}

	slices.Sort(cs.ToBuild)
	slices.Sort(cs.ToRemove)

	return cs, nil
}

// Resolve returns the full change set for a direct invocation, or the hook-driven change set.
func Resolve(hook bool, changed io.Reader, installed []kernel.Version, exists func(kernel.Version) bool) (ChangeSet, error) {
	if !hook {
		return Full(installed), nil
	}

	return FromHook(changed, installed, exists)
}
