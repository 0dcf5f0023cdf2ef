package transport

import (
	"context"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jochenvg/go-udev"

	"github.com/linux-msm/diag/internal/watch"
)

// rpmsg channel names. A peripheral announces itself when its primary
// data channel appears; the control and command channels enumerate as
// siblings moments later, which is why opening is deferred.
const (
	rpmsgChannelData       = "DIAG"
	rpmsgChannelCntl       = "DIAG_CNTL"
	rpmsgChannelCmd        = "DIAG_CMD"
	rpmsgLegacyChannelData = "APPS_RIVA_DATA"
	rpmsgLegacyChannelCntl = "APPS_RIVA_CTRL"
)

// openSettleDelay is how long after the primary channel appears the
// monitor waits before opening, so sibling channels have enumerated.
const openSettleDelay = time.Second

// RpmsgChannels holds the opened channel files of one rpmsg peripheral.
// Cmd is nil when the peripheral has no dedicated command channel.
type RpmsgChannels struct {
	Data *os.File
	Cntl *os.File
	Cmd  *os.File
}

// Close releases every open channel file.
func (c *RpmsgChannels) Close() error {
	var first error

	for _, f := range []*os.File{c.Data, c.Cntl, c.Cmd} {
		if f == nil {
			continue
		}

		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}

	return first
}

type rpmsgDevnode struct {
	devnode string
	channel string
	rproc   string
}

// RpmsgMonitor tracks rpmsg channel device nodes as udev announces them,
// grouped by remoteproc. When a primary DIAG channel appears for a new
// remoteproc, the monitor schedules an open one settle-delay later and
// reports the opened channel set to onOpen, on the reactor goroutine.
type RpmsgMonitor struct {
	reactor *watch.Reactor
	onOpen  func(rproc string, ch *RpmsgChannels)

	nodes   map[string]rpmsgDevnode
	pending map[string]bool
}

// NewRpmsgMonitor builds a monitor reporting opened peripherals to
// onOpen. All bookkeeping runs on the reactor goroutine; the udev event
// stream is marshaled over via Reactor.Post.
func NewRpmsgMonitor(reactor *watch.Reactor, onOpen func(rproc string, ch *RpmsgChannels)) *RpmsgMonitor {
	return &RpmsgMonitor{
		reactor: reactor,
		onOpen:  onOpen,
		nodes:   make(map[string]rpmsgDevnode),
		pending: make(map[string]bool),
	}
}

// Run enumerates the rpmsg devices already present, then blocks
// dispatching hotplug events until ctx is canceled.
func (m *RpmsgMonitor) Run(ctx context.Context) error {
	u := udev.Udev{}

	e := u.NewEnumerate()
	if err := e.AddMatchSubsystem("rpmsg"); err != nil {
		return err
	}

	devices, err := e.Devices()
	if err != nil {
		return err
	}

	for _, dev := range devices {
		m.postDevice(dev, "add")
	}

	mon := u.NewMonitorFromNetlink("udev")

	deviceCh, errCh, err := mon.DeviceChan(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case dev, ok := <-deviceCh:
			if !ok {
				return nil
			}

			m.postDevice(dev, dev.Action())
		}
	}
}

// postDevice extracts what it needs from the udev device on the calling
// goroutine (udev devices are not safe to share), then hands the update
// to the reactor.
func (m *RpmsgMonitor) postDevice(dev *udev.Device, action string) {
	if dev.Subsystem() != "rpmsg" {
		return
	}

	devnode := dev.Devnode()
	if devnode == "" {
		return
	}

	switch action {
	case "add":
		channel := dev.SysattrValue("name")
		rproc := remoteprocName(dev)

		if channel == "" || rproc == "" {
			return
		}

		m.reactor.Post(func() { m.add(devnode, channel, rproc) })
	case "remove":
		m.reactor.Post(func() { delete(m.nodes, devnode) })
	}
}

// remoteprocName walks the device's parents for the remoteproc that owns
// this rpmsg fabric.
func remoteprocName(dev *udev.Device) string {
	for parent := dev.Parent(); parent != nil; parent = parent.Parent() {
		if name := parent.SysattrValue("rpmsg_name"); name != "" {
			return name
		}
	}

	return ""
}

func (m *RpmsgMonitor) add(devnode, channel, rproc string) {
	if _, ok := m.nodes[devnode]; ok {
		return
	}

	m.nodes[devnode] = rpmsgDevnode{devnode: devnode, channel: channel, rproc: rproc}

	log.Debug("rpmsg channel appeared", "channel", channel, "rproc", rproc, "dev", devnode)

	if channel != rpmsgChannelData && channel != rpmsgLegacyChannelData {
		return
	}

	if m.pending[rproc] {
		return
	}

	m.pending[rproc] = true
	m.reactor.AddTimer(openSettleDelay, false, func() { m.open(rproc) })
}

func (m *RpmsgMonitor) open(rproc string) {
	delete(m.pending, rproc)

	data := m.openChannel(rproc, rpmsgChannelData, rpmsgLegacyChannelData)
	if data == nil {
		log.Warn("unable to open DIAG channel", "rproc", rproc)
		return
	}

	cntl := m.openChannel(rproc, rpmsgChannelCntl, rpmsgLegacyChannelCntl)
	if cntl == nil {
		log.Warn("unable to open DIAG_CNTL channel", "rproc", rproc)
		data.Close()

		return
	}

	ch := &RpmsgChannels{
		Data: data,
		Cntl: cntl,
		Cmd:  m.openChannel(rproc, rpmsgChannelCmd),
	}

	m.onOpen(rproc, ch)
}

func (m *RpmsgMonitor) openChannel(rproc string, channels ...string) *os.File {
	for _, channel := range channels {
		for _, node := range m.nodes {
			if node.rproc != rproc || node.channel != channel {
				continue
			}

			f, err := os.OpenFile(node.devnode, os.O_RDWR, 0)
			if err != nil {
				log.Warn("opening rpmsg device failed", "dev", node.devnode, "err", err)
				continue
			}

			return f
		}
	}

	return nil
}
