// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package panos

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/panfleet/upgrader/core/device"
	"github.com/panfleet/upgrader/internal/throttle"
)

var logger = loggo.GetLogger("upgrader.panos")

// XMLClient drives one device over the XML operational-command API:
// GET /api/?type=op&cmd=<xml>&key=<apikey>. Appliances ship with
// self-signed management certificates, so verification is off.
type XMLClient struct {
	base    string
	apiKey  string
	httpc   *http.Client
	limiter *throttle.Limiter
}

// NewXMLClient returns a client for the device at addr (host or
// host:port; a full URL is accepted too). A nil limiter means
// unthrottled.
func NewXMLClient(addr, apiKey string, limiter *throttle.Limiter) *XMLClient {
	base := addr
	if !strings.Contains(base, "://") {
		base = "https://" + base
	}
	return &XMLClient{
		base:    strings.TrimSuffix(base, "/") + "/api/",
		apiKey:  apiKey,
		limiter: limiter,
		httpc: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
	}
}

// NewClient adapts NewXMLClient to the factory shape the orchestrator
// takes, binding the key and limiter.
func NewClient(apiKey string, limiter *throttle.Limiter) NewClientFunc {
	return func(addr string) Client {
		return NewXMLClient(addr, apiKey, limiter)
	}
}

type envelope struct {
	XMLName xml.Name `xml:"response"`
	Status  string   `xml:"status,attr"`
	Code    string   `xml:"code,attr"`
	Msg     struct {
		Lines []string `xml:"line"`
		Text  string   `xml:",chardata"`
	} `xml:"msg"`
	Result struct {
		Raw string `xml:",innerxml"`
	} `xml:"result"`
}

func (e *envelope) message() string {
	if len(e.Msg.Lines) > 0 {
		return strings.Join(e.Msg.Lines, "; ")
	}
	return strings.TrimSpace(e.Msg.Text)
}

// op issues one operational command and unmarshals the result element
// into out (out may be nil when the result body does not matter).
func (c *XMLClient) op(ctx context.Context, cmd string, out any) error {
	if c.limiter != nil {
		c.limiter.Acquire(true)
	}
	q := url.Values{}
	q.Set("type", "op")
	q.Set("cmd", cmd)
	q.Set("key", c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"?"+q.Encode(), nil)
	if err != nil {
		return errors.Trace(err)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return classify(err)
	}
	defer func() { _ = resp.Body.Close() }()
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return errors.WithType(errors.Errorf("device returned HTTP %d", resp.StatusCode), ErrAuth)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return classify(err)
	}
	var env envelope
	if err := xml.Unmarshal(body, &env); err != nil {
		return errors.WithType(errors.Annotate(err, "decoding response"), ErrProtocol)
	}
	if env.Status != "success" {
		msg := env.message()
		if strings.Contains(strings.ToLower(msg), "invalid credential") {
			return errors.WithType(errors.New(msg), ErrAuth)
		}
		if strings.Contains(strings.ToLower(msg), "not found") {
			return errors.WithType(errors.New(msg), ErrNotFound)
		}
		return errors.WithType(
			errors.Errorf("command failed (code %s): %s", env.Code, msg), ErrProtocol)
	}
	if out == nil {
		return nil
	}
	wrapped := "<result>" + env.Result.Raw + "</result>"
	if err := xml.Unmarshal([]byte(wrapped), out); err != nil {
		return errors.WithType(errors.Annotate(err, "decoding result"), ErrProtocol)
	}
	return nil
}

// classify maps a transport error onto the operation error taxonomy.
func classify(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return errors.WithType(err, ErrTimeout)
	case errors.Is(err, syscall.ECONNREFUSED):
		return errors.WithType(err, ErrRefused)
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return errors.WithType(err, ErrTimeout)
	}
	return errors.WithType(err, ErrConnect)
}

// SystemInfo implements Client.
func (c *XMLClient) SystemInfo(ctx context.Context) (device.SystemInfo, error) {
	var r struct {
		System struct {
			Hostname  string `xml:"hostname"`
			Serial    string `xml:"serial"`
			SWVersion string `xml:"sw-version"`
			Model     string `xml:"model"`
			IPAddress string `xml:"ip-address"`
		} `xml:"system"`
	}
	if err := c.op(ctx, "<show><system><info></info></system></show>", &r); err != nil {
		return device.SystemInfo{}, errors.Trace(err)
	}
	if r.System.Serial == "" || r.System.SWVersion == "" {
		return device.SystemInfo{}, errors.WithType(
			errors.New("system info missing serial or sw-version"), ErrProtocol)
	}
	return device.SystemInfo{
		Hostname:  r.System.Hostname,
		Serial:    r.System.Serial,
		SWVersion: r.System.SWVersion,
		Model:     r.System.Model,
		MgmtIP:    r.System.IPAddress,
	}, nil
}

func parseRole(s string) device.HARole {
	switch strings.ToLower(s) {
	case "active", "active-primary", "primary-active":
		return device.RoleActive
	case "passive":
		return device.RolePassive
	case "standalone", "disabled":
		return device.RoleStandalone
	}
	return device.RoleUnknown
}

// HAState implements Client.
func (c *XMLClient) HAState(ctx context.Context) (device.HAState, error) {
	var r struct {
		Enabled string `xml:"enabled"`
		Group   struct {
			Local struct {
				State string `xml:"state"`
			} `xml:"local-info"`
			Peer struct {
				State  string `xml:"state"`
				Serial string `xml:"serial-num"`
			} `xml:"peer-info"`
		} `xml:"group"`
	}
	cmd := "<show><high-availability><state></state></high-availability></show>"
	if err := c.op(ctx, cmd, &r); err != nil {
		return device.HAState{}, errors.Trace(err)
	}
	if r.Enabled != "yes" {
		return device.HAState{
			Enabled:    false,
			LocalState: device.RoleStandalone,
			PeerState:  device.RoleUnknown,
		}, nil
	}
	return device.HAState{
		Enabled:    true,
		LocalState: parseRole(r.Group.Local.State),
		PeerState:  parseRole(r.Group.Peer.State),
		PeerSerial: r.Group.Peer.Serial,
	}, nil
}

// Metrics implements Client.
func (c *XMLClient) Metrics(ctx context.Context) (device.Metrics, error) {
	var m device.Metrics

	var sess struct {
		NumTCP int `xml:"num-tcp"`
	}
	if err := c.op(ctx, "<show><session><info></info></session></show>", &sess); err != nil {
		return device.Metrics{}, errors.Annotate(err, "session info")
	}
	m.TCPSessions = sess.NumTCP

	var routes struct {
		Entries []struct {
			Destination string `xml:"destination"`
			Nexthop     string `xml:"nexthop"`
			Interface   string `xml:"interface"`
		} `xml:"entry"`
	}
	if err := c.op(ctx, "<show><routing><route></route></routing></show>", &routes); err != nil {
		return device.Metrics{}, errors.Annotate(err, "routing table")
	}
	for _, e := range routes.Entries {
		m.Routes = append(m.Routes, device.Route{
			Destination: e.Destination,
			Gateway:     e.Nexthop,
			Interface:   e.Interface,
		})
	}
	m.RouteCount = len(m.Routes)

	var arp struct {
		Entries []struct {
			IP        string `xml:"ip"`
			MAC       string `xml:"mac"`
			Interface string `xml:"interface"`
		} `xml:"entries>entry"`
	}
	if err := c.op(ctx, "<show><arp><entry name='all'/></arp></show>", &arp); err != nil {
		return device.Metrics{}, errors.Annotate(err, "arp table")
	}
	for _, e := range arp.Entries {
		m.ARPEntries = append(m.ARPEntries, device.ARPEntry{
			IP:        e.IP,
			MAC:       e.MAC,
			Interface: e.Interface,
		})
	}
	m.ARPCount = len(m.ARPEntries)

	avail, err := c.DiskSpace(ctx)
	if err != nil {
		return device.Metrics{}, errors.Annotate(err, "disk space")
	}
	m.DiskAvailableGB = avail
	return m, nil
}

// DiskSpace implements Client.
func (c *XMLClient) DiskSpace(ctx context.Context) (float64, error) {
	var r struct {
		Text string `xml:",chardata"`
	}
	cmd := "<show><system><disk-space></disk-space></system></show>"
	if err := c.op(ctx, cmd, &r); err != nil {
		return 0, errors.Trace(err)
	}
	return ParseDiskAvail(r.Text), nil
}

// RefreshSoftwareList implements Client.
func (c *XMLClient) RefreshSoftwareList(ctx context.Context) error {
	cmd := "<request><system><software><check></check></software></system></request>"
	return errors.Trace(c.op(ctx, cmd, nil))
}

// SoftwareInfo implements Client.
func (c *XMLClient) SoftwareInfo(ctx context.Context) ([]device.SoftwareImage, error) {
	var r struct {
		Entries []struct {
			Version    string `xml:"version"`
			Filename   string `xml:"filename"`
			Size       string `xml:"size"`
			Downloaded string `xml:"downloaded"`
			Current    string `xml:"current"`
			SHA256     string `xml:"sha256"`
		} `xml:"sw-updates>versions>entry"`
	}
	cmd := "<request><system><software><info></info></software></system></request>"
	if err := c.op(ctx, cmd, &r); err != nil {
		return nil, errors.Trace(err)
	}
	images := make([]device.SoftwareImage, 0, len(r.Entries))
	for _, e := range r.Entries {
		sizeMB, _ := strconv.ParseInt(e.Size, 10, 64)
		images = append(images, device.SoftwareImage{
			Version:    e.Version,
			Filename:   e.Filename,
			SizeBytes:  sizeMB * 1024 * 1024,
			Downloaded: e.Downloaded == "yes",
			Current:    e.Current == "yes",
			SHA256:     e.SHA256,
		})
	}
	return images, nil
}

type jobIDResult struct {
	Job string `xml:"job"`
}

// DownloadStart implements Client.
func (c *XMLClient) DownloadStart(ctx context.Context, version string) (string, error) {
	var r jobIDResult
	cmd := "<request><system><software><download><version>" + version +
		"</version></download></software></system></request>"
	if err := c.op(ctx, cmd, &r); err != nil {
		return "", errors.Trace(err)
	}
	if r.Job == "" {
		return "", errors.WithType(
			errors.Errorf("download of %s enqueued no job", version), ErrProtocol)
	}
	return r.Job, nil
}

// InstallStart implements Client.
func (c *XMLClient) InstallStart(ctx context.Context, version string) (string, error) {
	var r jobIDResult
	cmd := "<request><system><software><install><version>" + version +
		"</version></install></software></system></request>"
	if err := c.op(ctx, cmd, &r); err != nil {
		return "", errors.Trace(err)
	}
	if r.Job == "" {
		return "", errors.WithType(
			errors.Errorf("install of %s enqueued no job", version), ErrProtocol)
	}
	return r.Job, nil
}

// RebootStart implements Client. The device often drops the
// connection while answering, so a transport failure here counts as
// the reboot having started.
func (c *XMLClient) RebootStart(ctx context.Context) error {
	err := c.op(ctx, "<request><restart><system></system></restart></request>", nil)
	if err != nil && Transient(err) {
		logger.Debugf("reboot request dropped the connection: %v", err)
		return nil
	}
	return errors.Trace(err)
}

// JobStatus implements Client.
func (c *XMLClient) JobStatus(ctx context.Context, jobID string) (device.JobStatus, error) {
	var r struct {
		Job struct {
			ID       string `xml:"id"`
			Status   string `xml:"status"`
			Result   string `xml:"result"`
			Progress string `xml:"progress"`
			Details  struct {
				Lines []string `xml:"line"`
			} `xml:"details"`
		} `xml:"job"`
	}
	cmd := "<show><jobs><id>" + jobID + "</id></jobs></show>"
	if err := c.op(ctx, cmd, &r); err != nil {
		return device.JobStatus{}, errors.Trace(err)
	}
	if r.Job.ID == "" {
		return device.JobStatus{}, errors.WithType(
			errors.Errorf("job %s missing from response", jobID), ErrNotFound)
	}
	js := device.JobStatus{
		ID:      r.Job.ID,
		Status:  device.JobState(r.Job.Status),
		Result:  device.JobResult(r.Job.Result),
		Details: strings.Join(r.Job.Details.Lines, "; "),
	}
	// Finished jobs report a completion time in the progress column.
	if n, err := strconv.Atoi(strings.TrimSpace(r.Job.Progress)); err == nil {
		js.Progress = n
	} else if js.Status == device.JobDone {
		js.Progress = 100
	}
	return js, nil
}
