// Package main prints the sensor metadata and frames of a capture dump.
package main

import (
	"fmt"
	"io"
	"log"
	"os"

	units "github.com/docker/go-units"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/montanaflynn/stats"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"go.viam.com/depthcapture/components/camera"
	"go.viam.com/depthcapture/framestore"
	"go.viam.com/depthcapture/rimage"
)

func main() {
	app := &cli.App{
		Name:      "dump-info",
		Usage:     "print the contents of a capture dump",
		ArgsUsage: "<dump file>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "frames",
				Aliases: []string{"f"},
				Usage:   "print the depth range of every frame",
			},
		},
		Action: func(c *cli.Context) error {
			if c.Args().Len() != 1 {
				//nolint:errcheck
				cli.ShowAppHelp(c)
				return cli.Exit("expected 1 argument", 2)
			}
			return printInfo(c.App.Writer, c.Args().First(), c.Bool("frames"))
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func printInfo(w io.Writer, path string, frames bool) (err error) {
	r, err := framestore.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, r.Close())
	}()

	depth, color := r.ReadMetadata()
	fmt.Fprintf(w, "%s: %s, compression level %d, %d frames\n",
		path, units.HumanSize(float64(r.Size())), r.CompressionLevel(), r.NumFrames())
	if r.Recovered() {
		fmt.Fprintln(w, "file was not closed cleanly, showing committed frames only")
	}

	sensors := table.NewWriter()
	sensors.AppendHeader(table.Row{"Sensor", "Width", "Height", "Fx", "Fy"})
	sensors.AppendRow(sensorRow(camera.DepthStream, depth))
	sensors.AppendRow(sensorRow(camera.ColorStream, color))
	fmt.Fprintln(w, sensors.Render())

	if !frames || r.NumFrames() == 0 {
		return nil
	}
	dm := rimage.NewEmptyDepthMap(int(depth.Width), int(depth.Height))
	valid := make(stats.Float64Data, 0, dm.Width()*dm.Height())
	t := table.NewWriter()
	t.AppendHeader(table.Row{"#", "Valid", "Min depth", "Max depth", "Mean depth", "Median depth"})
	for i := 0; i < r.NumFrames(); i++ {
		if err := r.ReadDepthInto(i, dm); err != nil {
			return err
		}
		valid = valid[:0]
		for _, z := range dm.Data() {
			if z != 0 {
				valid = append(valid, float64(z))
			}
		}
		lo, hi := dm.MinMax()
		t.AppendRow(depthRow(i, lo, hi, valid, len(dm.Data())))
	}
	fmt.Fprintln(w, t.Render())
	return nil
}

// depthRow summarizes one frame from its depth range and its non-zero samples out of total.
func depthRow(index int, lo, hi uint16, valid stats.Float64Data, total int) table.Row {
	coverage := fmt.Sprintf("%.1f%%", 100*float64(len(valid))/float64(total))
	if len(valid) == 0 {
		return table.Row{index, coverage, "-", "-", "-", "-"}
	}
	mean, _ := valid.Mean()
	median, _ := valid.Median()
	return table.Row{index, coverage, lo, hi, fmt.Sprintf("%.1f", mean), median}
}

func sensorRow(kind camera.StreamKind, desc camera.StreamDescriptor) table.Row {
	return table.Row{kind, desc.Width, desc.Height, desc.FocalX, desc.FocalY}
}
