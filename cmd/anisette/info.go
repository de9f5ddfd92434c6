package main

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zboralski/anisette/internal/adi"
	"github.com/zboralski/anisette/internal/loader"
	"github.com/zboralski/anisette/internal/stubs"
	"github.com/zboralski/anisette/internal/ui/colorize"
)

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <lib.so>",
		Short: "Show segments, ADI exports and import coverage of a library",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return showInfo(args[0])
		},
	}
}

func showInfo(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	img, err := loader.Parse(filepath.Base(path), data)
	if err != nil {
		return err
	}

	var exports, imports []loader.Symbol
	for _, s := range img.Symbols {
		switch {
		case s.Name == "":
		case s.Defined:
			exports = append(exports, s)
		default:
			imports = append(imports, s)
		}
	}

	fmt.Println(panel(img.Name,
		[2]string{"size", fmt.Sprintf("%d bytes", len(img.Data))},
		[2]string{"span", fmt.Sprintf("0x%x", img.Span)},
		[2]string{"segments", fmt.Sprint(len(img.Segments))},
		[2]string{"exports", fmt.Sprint(len(exports))},
		[2]string{"imports", fmt.Sprint(len(imports))},
		[2]string{"relocations", fmt.Sprint(len(img.Relocs))},
	))

	fmt.Println(titleStyle.Render("segments"))
	for _, seg := range img.Segments {
		fmt.Printf("  %s  %s  filesz 0x%x  memsz 0x%x\n",
			colorize.Address(seg.Vaddr), seg.Perm, seg.Filesz, seg.Memsz)
	}

	byName := make(map[string]loader.Symbol, len(exports))
	for _, s := range exports {
		byName[s.Name] = s
	}
	var found []string
	for _, e := range adi.Exports {
		if s, ok := byName[e.Symbol]; ok {
			found = append(found, fmt.Sprintf("  %s  %s %s",
				colorize.Address(s.Value), colorize.FuncName(e.Symbol), colorize.Detail(e.Name)))
		}
	}
	if len(found) > 0 {
		fmt.Println(titleStyle.Render("ADI entry points"))
		fmt.Println(strings.Join(found, "\n"))
	}

	var missing []string
	stubbed := 0
	for _, s := range imports {
		if _, ok := stubs.Lookup(s.Name); ok {
			stubbed++
			continue
		}
		if s.Weak {
			continue
		}
		missing = append(missing, s.Name)
	}
	slices.Sort(missing)
	fmt.Printf("%s %d/%d imports have stubs\n", titleStyle.Render("imports"), stubbed, len(imports))
	for _, name := range missing {
		fmt.Printf("  %s %s\n", colorize.Error("no stub"), name)
	}
	fmt.Println(colorize.Detail("  imports without a stub resolve against the other library's exports"))
	return nil
}
