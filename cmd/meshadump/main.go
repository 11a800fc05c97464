// Copyright 2024 The meshanina Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Command meshadump prints the record structure of a meshanina
// database file: every decodable record with its offset, kind, and
// length, and which root is live.
package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bpowers/meshanina/internal/datafile"
)

var kindNames = map[datafile.RecordKind]string{
	datafile.KindData:     "data",
	datafile.KindInterior: "interior",
	datafile.KindRoot:     "root",
}

var rootCmd = &cobra.Command{
	Use:   "meshadump <file>",
	Short: "dump the record structure of a meshanina database file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return dump(cmd, args[0])
	},
	SilenceUsage: true,
}

func dump(cmd *cobra.Command, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	divider, err := datafile.ParseHeader(data)
	if err != nil {
		return err
	}
	codec := datafile.NewCodec(divider)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: %d bytes, divider %x\n", path, len(data), divider)

	var records, liveRoot int64
	off := int64(datafile.FileHeaderSize)
	for off < int64(len(data)) {
		i := bytes.Index(data[off:], divider[:])
		if i < 0 {
			break
		}
		off += int64(i)

		rec, err := codec.Decode(data, off)
		if err != nil {
			if !errors.Is(err, datafile.ErrNotRecord) {
				fmt.Fprintf(out, "%12d  undecodable: %v\n", off, err)
			}
			off++
			continue
		}

		records++
		switch rec.Kind {
		case datafile.KindData:
			key := rec.Key()
			fmt.Fprintf(out, "%12d  %-8s  %6d bytes  key %x\n", off, kindNames[rec.Kind], rec.FrameLen(), key[:8])
		default:
			fmt.Fprintf(out, "%12d  %-8s  %6d bytes  %d children\n", off, kindNames[rec.Kind], rec.FrameLen(), len(rec.ChildOffsets()))
			if rec.Kind == datafile.KindRoot {
				liveRoot = off
			}
		}
		off += rec.FrameLen()
	}

	fmt.Fprintf(out, "%d records", records)
	if liveRoot != 0 {
		fmt.Fprintf(out, ", live root at %d", liveRoot)
	}
	fmt.Fprintln(out)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
