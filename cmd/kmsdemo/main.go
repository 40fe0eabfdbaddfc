// kmsdemo exercises the atomic backend from the command line: list
// outputs and modes, or take over a display and page-flip a test
// pattern for a while.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/NeowayLabs/kms"
	"github.com/NeowayLabs/kms/backend"
	"github.com/NeowayLabs/kms/config"
	"github.com/NeowayLabs/kms/mode"
	"github.com/sirupsen/logrus"
	"gitlab.com/mstarongitlab/goutils/sliceutils"
)

var (
	action = flag.String(
		"action",
		"outputs",
		"The action to perform. Can be one of:"+
			"\n\t- outputs: List available outputs"+
			"\n\t- modes: List available modes per connected output"+
			"\n\t- planes: List planes and their CRTC compatibility"+
			"\n\t- show: Take over the first connected output and page-flip a test pattern",
	)
	configPath = flag.String("config", "", "Path to the config file (default: XDG search path)")
	duration   = flag.Duration("duration", 10*time.Second, "How long -action show holds the display")
)

func main() {
	flag.Parse()

	conf, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("loading config")
	}
	if level, err := logrus.ParseLevel(conf.LogLevel); err == nil {
		logrus.SetLevel(level)
	}

	file, err := kms.OpenDeviceNode(conf.Device())
	if err != nil {
		logrus.WithError(err).WithField("device", conf.Device()).Fatal("opening device")
	}
	defer file.Close()

	version, err := kms.GetVersion(file)
	if err != nil {
		logrus.WithError(err).Fatal("querying driver version")
	}
	logrus.WithFields(logrus.Fields{
		"driver":  version.Name,
		"version": fmt.Sprintf("%d.%d.%d", version.Major, version.Minor, version.Patch),
	}).Info("device opened")

	switch *action {
	case "outputs":
		listOutputs(file)
	case "modes":
		listModes(file)
	case "planes":
		listPlanes(file)
	case "show":
		show(file, conf)
	default:
		logrus.WithField("action", *action).Fatal("unknown action")
	}
}

func connectedConnectors(file *os.File) []*mode.Connector {
	res, err := mode.GetResources(file)
	if err != nil {
		logrus.WithError(err).Fatal("enumerating resources")
	}

	conns := make([]*mode.Connector, 0, len(res.Connectors))
	for _, id := range res.Connectors {
		conn, err := mode.GetConnector(file, id)
		if err != nil {
			logrus.WithError(err).WithField("connector", id).Fatal("querying connector")
		}
		conns = append(conns, conn)
	}

	return sliceutils.Filter(conns, func(conn *mode.Connector) bool {
		return conn.Connection == mode.Connected
	})
}

func listOutputs(file *os.File) {
	for _, conn := range connectedConnectors(file) {
		preferred := "none"
		if m := conn.PreferredMode(); m != nil {
			preferred = fmt.Sprintf("%s@%d", m.ModeName(), m.Vrefresh)
		}
		fmt.Printf("%s-%d (id %d): %d modes, preferred %s, %dx%dmm\n",
			conn.TypeName(), conn.TypeID, conn.ID, len(conn.Modes), preferred,
			conn.Width, conn.Height)
	}
}

func listModes(file *os.File) {
	for _, conn := range connectedConnectors(file) {
		fmt.Printf("%s-%d (id %d):\n", conn.TypeName(), conn.TypeID, conn.ID)
		for _, m := range conn.Modes {
			fmt.Printf("\t%s@%d clock %d\n", m.ModeName(), m.Vrefresh, m.Clock)
		}
	}
}

func listPlanes(file *os.File) {
	if err := kms.SetClientCap(file, kms.ClientCapUniversalPlanes, 1); err != nil {
		logrus.WithError(err).Fatal("enabling universal planes")
	}
	ids, err := mode.GetPlaneResources(file)
	if err != nil {
		logrus.WithError(err).Fatal("enumerating planes")
	}
	for _, id := range ids {
		plane, err := mode.GetPlane(file, id)
		if err != nil {
			logrus.WithError(err).WithField("plane", id).Fatal("querying plane")
		}
		fmt.Printf("plane %d: crtc %d, fb %d, possible crtcs %#x, %d formats\n",
			plane.ID, plane.CrtcID, plane.FbID, plane.PossibleCrtcs, len(plane.Formats))
	}
}

// flipper alternates between two framebuffers on every vblank.
type flipper struct {
	surf   *backend.Surface
	fbs    [2]*backend.Framebuffer
	next   int
	frames int
	failed chan error
}

func (f *flipper) VBlank(crtc uint32, sequence uint32, when time.Time) {
	f.frames++
	if err := f.surf.PageFlip(f.fbs[f.next]); err != nil {
		select {
		case f.failed <- err:
		default:
		}
		return
	}
	f.next = 1 - f.next
}

func (f *flipper) Error(err error) {
	select {
	case f.failed <- err:
	default:
	}
}

func show(file *os.File, conf *config.Config) {
	outputs, err := mode.Probe(file)
	if err != nil {
		logrus.WithError(err).Fatal("probing outputs")
	}
	if len(outputs) == 0 {
		logrus.Fatal("no connected outputs")
	}
	out := outputs[0]

	dev, err := backend.NewDevice(file, conf.Device())
	if err != nil {
		logrus.WithError(err).Fatal("initializing atomic device")
	}

	sess, err := backend.NewSession(dev, conf.DisableConnectors, nil)
	if err != nil {
		logrus.WithError(err).Fatal("opening session")
	}
	defer sess.Close()

	surf, err := sess.CreateSurface(out.Crtc)
	if err != nil {
		logrus.WithError(err).WithField("crtc", out.Crtc).Fatal("creating surface")
	}
	defer surf.Destroy()

	if err := surf.UseMode(&out.Mode); err != nil {
		logrus.WithError(err).Fatal("setting mode")
	}
	if err := surf.AddConnector(out.Connector); err != nil {
		logrus.WithError(err).Fatal("adding connector")
	}

	var fbs [2]*backend.Framebuffer
	for i := range fbs {
		buf, err := backend.CreateDumbBuffer(file, out.Width, out.Height, 32)
		if err != nil {
			logrus.WithError(err).Fatal("allocating dumb buffer")
		}
		defer buf.Destroy()
		drawPattern(buf, i)

		fbs[i], err = backend.ImportBuffer(dev, buf.Buffer())
		if err != nil {
			logrus.WithError(err).Fatal("importing framebuffer")
		}
		defer fbs[i].Destroy()
	}

	f := &flipper{surf: surf, fbs: fbs, next: 1, failed: make(chan error, 1)}
	dev.SetHandler(f)

	if err := surf.Commit(fbs[0]); err != nil {
		logrus.WithError(err).Fatal("initial commit")
	}

	interrupted := make(chan os.Signal, 1)
	signal.Notify(interrupted, os.Interrupt, syscall.SIGTERM)
	deadline := time.Now().Add(*duration)

	for time.Now().Before(deadline) {
		select {
		case <-interrupted:
			logrus.Info("interrupted")
			return
		case err := <-f.failed:
			logrus.WithError(err).Fatal("display error")
		default:
		}

		readable, err := dev.WaitEvents(100 * time.Millisecond)
		if err != nil {
			logrus.WithError(err).Fatal("waiting for events")
		}
		if readable {
			dev.DispatchEvents()
		}
	}

	logrus.WithField("frames", f.frames).Info("done")
}

// drawPattern fills the buffer with a diagonal gradient, phase-shifted
// per buffer index so flips are visible.
func drawPattern(buf *backend.DumbBuffer, phase int) {
	data := buf.Data()
	width, height := buf.Size()
	pitch := buf.Pitch()
	for y := uint32(0); y < height; y++ {
		row := data[y*pitch:]
		for x := uint32(0); x < width; x++ {
			r := uint8((x + uint32(phase)*128) * 255 / width)
			g := uint8((y + uint32(phase)*128) * 255 / height)
			b := uint8((x + y) * 255 / (width + height))
			i := x * 4
			row[i] = b
			row[i+1] = g
			row[i+2] = r
			row[i+3] = 0
		}
	}
}
