package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/montanaflynn/stats"
	"go.viam.com/test"

	"go.viam.com/depthcapture/components/camera"
	"go.viam.com/depthcapture/dump"
	"go.viam.com/depthcapture/framestore"
	"go.viam.com/depthcapture/logging"
	"go.viam.com/depthcapture/rimage"
)

func writeDump(t *testing.T, frames int) string {
	t.Helper()
	depthDesc := camera.StreamDescriptor{Width: 4, Height: 2, FocalX: 3.5, FocalY: 3.5}
	colorDesc := camera.StreamDescriptor{Width: 6, Height: 3, FocalX: 4.25, FocalY: 4.25}

	path := filepath.Join(t.TempDir(), "info"+dump.FileExt)
	w, err := framestore.Create(path, 1, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, w.WriteMetadata(depthDesc, colorDesc), test.ShouldBeNil)
	for i := 0; i < frames; i++ {
		depth := rimage.NewEmptyDepthMap(4, 2)
		depth.Set(0, 0, uint16(100+i))
		depth.Set(3, 1, uint16(2000+i))
		color := rimage.NewEmptyColorImage(6, 3)
		test.That(t, w.WriteFrame(i, depth, color), test.ShouldBeNil)
	}
	test.That(t, w.Close(), test.ShouldBeNil)
	return path
}

func TestPrintInfo(t *testing.T) {
	path := writeDump(t, 3)

	var buf bytes.Buffer
	test.That(t, printInfo(&buf, path, false), test.ShouldBeNil)
	out := buf.String()
	test.That(t, out, test.ShouldContainSubstring, "compression level 1, 3 frames")
	test.That(t, out, test.ShouldContainSubstring, "depth")
	test.That(t, out, test.ShouldContainSubstring, "4.25")
	test.That(t, out, test.ShouldNotContainSubstring, "MIN DEPTH")
	test.That(t, out, test.ShouldNotContainSubstring, "not closed cleanly")

	buf.Reset()
	test.That(t, printInfo(&buf, path, true), test.ShouldBeNil)
	out = buf.String()
	test.That(t, out, test.ShouldContainSubstring, "MIN DEPTH")
	test.That(t, out, test.ShouldContainSubstring, "102")
	test.That(t, out, test.ShouldContainSubstring, "2002")
	test.That(t, out, test.ShouldContainSubstring, "MEAN DEPTH")
	test.That(t, out, test.ShouldContainSubstring, "1051.0")
	test.That(t, out, test.ShouldContainSubstring, "25.0%")
}

func TestDepthRow(t *testing.T) {
	row := depthRow(4, 100, 300, stats.Float64Data{300, 100, 200}, 6)
	test.That(t, row, test.ShouldResemble, table.Row{4, "50.0%", uint16(100), uint16(300), "200.0", 200.0})

	row = depthRow(0, 0, 0, nil, 6)
	test.That(t, row, test.ShouldResemble, table.Row{0, "0.0%", "-", "-", "-", "-"})
}

func TestPrintInfoMissingFile(t *testing.T) {
	var buf bytes.Buffer
	err := printInfo(&buf, filepath.Join(t.TempDir(), "missing"+dump.FileExt), false)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, buf.Len(), test.ShouldEqual, 0)
}
