package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/slicefs/slicefs/common"
	"github.com/slicefs/slicefs/device"
	"github.com/slicefs/slicefs/fs"
)

var (
	imagePath string
	useBolt   bool
)

func openDevice() (device.Device, error) {
	if useBolt {
		return device.OpenBolt(imagePath)
	}
	return device.OpenFile(imagePath)
}

func openVolume() (*fs.Volume, error) {
	dev, err := openDevice()
	if err != nil {
		return nil, err
	}
	return common.ValOrErr(fs.Open(dev))
}

func parseIno(arg string) (uint32, error) {
	ino, err := strconv.ParseUint(arg, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("bad inode number %q: %w", arg, err)
	}
	return uint32(ino), nil
}

func withFile(args []string, f func(v *fs.Volume, file *fs.File) error) error {
	v, err := openVolume()
	if err != nil {
		return err
	}
	defer v.Close()
	ino, err := parseIno(args[0])
	if err != nil {
		return err
	}
	file, err := v.OpenFile(ino)
	if err != nil {
		return err
	}
	return f(v, file)
}

func mkfsCmd() *cobra.Command {
	var blocks uint32
	var inodes uint32
	c := &cobra.Command{Use: "mkfs", Short: "create a new volume image"}
	c.Flags().Uint32Var(&blocks, "blocks", 1024, "volume size in 4 KiB blocks")
	c.Flags().Uint32Var(&inodes, "inodes", 0, "inode count (default blocks/4)")
	c.RunE = func(c *cobra.Command, args []string) error {
		var dev device.Device
		var err error
		if useBolt {
			dev, err = device.CreateBolt(imagePath, blocks)
		} else {
			dev, err = device.CreateFile(imagePath, blocks)
		}
		if err != nil {
			return err
		}
		defer dev.Close()
		if err := fs.Format(dev, fs.FormatOptions{NrInodes: inodes}); err != nil {
			return err
		}
		log.Printf("formatted %s: %d blocks", imagePath, blocks)
		return nil
	}
	return c
}

func modeName(m uint8) string {
	switch m {
	case fs.ModeSlice:
		return "slice"
	case fs.ModeIndex:
		return "index"
	}
	return "none"
}

func main() {
	root := cmd(
		&cobra.Command{
			Use:           "slicefs",
			Short:         "slicefs - slice-packed small-file block storage",
			SilenceUsage:  true,
			SilenceErrors: true,
		},
		func(c *cobra.Command) {
			c.PersistentFlags().StringVar(&imagePath, "image", "slicefs.img", "volume image path")
			c.PersistentFlags().BoolVar(&useBolt, "bolt", false, "image is a bbolt database instead of a raw file")
		},
		mkfsCmd(),
		cmd(
			&cobra.Command{Use: "create", Short: "allocate a new empty file, print its inode number"},
			func(c *cobra.Command, args []string) error {
				v, err := openVolume()
				if err != nil {
					return err
				}
				defer v.Close()
				ino, err := v.CreateFile()
				if err != nil {
					return err
				}
				fmt.Println(ino)
				return nil
			},
		),
		cmd(
			&cobra.Command{Use: "write <ino> [path]", Short: "replace file contents with stdin or a local file", Args: cobra.RangeArgs(1, 2)},
			func(c *cobra.Command, args []string) error {
				return withFile(args, func(v *fs.Volume, file *fs.File) error {
					in := io.Reader(os.Stdin)
					if len(args) == 2 {
						src, err := os.Open(args[1])
						if err != nil {
							return err
						}
						defer src.Close()
						in = src
					}
					data, err := io.ReadAll(in)
					if err != nil {
						return err
					}
					n, err := file.Write(data)
					if err != nil {
						return err
					}
					log.Printf("wrote %d bytes to inode %d (%s mode)", n, file.Ino(), modeName(file.StorageMode()))
					return nil
				})
			},
		),
		cmd(
			&cobra.Command{Use: "read <ino>", Short: "copy file contents to stdout", Args: cobra.ExactArgs(1)},
			func(c *cobra.Command, args []string) error {
				return withFile(args, func(v *fs.Volume, file *fs.File) error {
					_, err := io.Copy(os.Stdout, io.NewSectionReader(file, 0, file.Size()))
					return err
				})
			},
		),
		cmd(
			&cobra.Command{Use: "truncate <ino> <size>", Short: "shrink a file", Args: cobra.ExactArgs(2)},
			func(c *cobra.Command, args []string) error {
				return withFile(args, func(v *fs.Volume, file *fs.File) error {
					n, err := strconv.ParseInt(args[1], 10, 64)
					if err != nil {
						return err
					}
					return file.Truncate(n)
				})
			},
		),
		cmd(
			&cobra.Command{Use: "rm <ino>", Short: "delete a file", Args: cobra.ExactArgs(1)},
			func(c *cobra.Command, args []string) error {
				v, err := openVolume()
				if err != nil {
					return err
				}
				defer v.Close()
				ino, err := parseIno(args[0])
				if err != nil {
					return err
				}
				return v.DeleteFile(ino)
			},
		),
		cmd(
			&cobra.Command{Use: "slices <ino>", Short: "dump a slice-stored file's occupied slices", Args: cobra.ExactArgs(1)},
			func(c *cobra.Command, args []string) error {
				return withFile(args, func(v *fs.Volume, file *fs.File) error {
					dump, err := file.SliceDump()
					if err != nil {
						return err
					}
					for _, s := range dump {
						fmt.Printf("block %d slice %d:\n%s", s.Block, s.Index, hex.Dump(s.Data))
					}
					return nil
				})
			},
		),
		cmd(
			&cobra.Command{Use: "stats", Short: "print the space-accounting record"},
			func(c *cobra.Command, args []string) error {
				v, err := openVolume()
				if err != nil {
					return err
				}
				defer v.Close()
				s := v.Stats()
				fmt.Printf("blocks:        %d total, %d free\n", s.TotalBlocks, s.FreeBlocks)
				fmt.Printf("inodes:        %d total, %d free\n", s.TotalInodes, s.FreeInodes)
				fmt.Printf("sliced blocks: %d, %d free slices\n", s.SlicedBlocks, s.FreeSlices)
				fmt.Printf("files:         %d (%d small)\n", s.Files, s.SmallFiles)
				fmt.Printf("data bytes:    %d\n", s.DataBytes)
				fmt.Printf("storage bytes: %d\n", s.StorageBytes)
				return nil
			},
		),
		cmd(
			&cobra.Command{Use: "compact", Short: "unlink saturated blocks from the partial-free list"},
			func(c *cobra.Command, args []string) error {
				v, err := openVolume()
				if err != nil {
					return err
				}
				defer v.Close()
				n, err := v.CompactSliced()
				if err != nil {
					return err
				}
				log.Printf("unlinked %d saturated blocks", n)
				return nil
			},
		),
	)
	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}
