// Package netcam implements the network-camera side of the Camera
// capability: a synchronous HTTP snapshot path for capture() and a
// best-effort RTSP/H.264 passthrough for live preview.
package netcam

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtp"
)

// RTSPClient is a minimal interleaved-TCP RTSP client. It exists only
// to feed undecoded H.264 access units to a preview subscriber; it
// never decodes pixels itself.
type RTSPClient struct {
	url     string
	baseURL string
	logger  *slog.Logger
	conn    net.Conn
	reader  *bufio.Reader
	session string
	cseq    int

	Channels map[byte]*rtspChannel

	keepaliveInterval time.Duration
	keepaliveCancel   context.CancelFunc

	writeMu sync.Mutex

	// OnRTPPacket is invoked for every RTP packet on an even (video)
	// channel; RTCP on odd channels is discarded.
	OnRTPPacket func(channel byte, packet *rtp.Packet)
}

type rtspChannel struct {
	ID          byte
	MediaType   string
	Control     string
	PayloadType uint8
}

// NewRTSPClient creates a client bound to a preview-only RTSP URL.
func NewRTSPClient(rtspURL string, logger *slog.Logger) *RTSPClient {
	return &RTSPClient{
		url:               rtspURL,
		logger:            logger,
		Channels:          make(map[byte]*rtspChannel),
		keepaliveInterval: 25 * time.Second,
	}
}

// Connect dials the server and performs OPTIONS/DESCRIBE.
func (c *RTSPClient) Connect(ctx context.Context) error {
	u, err := url.Parse(c.url)
	if err != nil {
		return fmt.Errorf("parse URL: %w", err)
	}

	var username, password string
	if u.User != nil {
		username = u.User.Username()
		password, _ = u.User.Password()
	}

	port := u.Port()
	if port == "" {
		if u.Scheme == "rtsps" {
			port = "443"
		} else {
			port = "554"
		}
	}

	host := u.Hostname()
	addr := net.JoinHostPort(host, port)

	c.logger.Info("connecting to preview camera", "scheme", u.Scheme, "host", host, "port", port)

	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}

	var conn net.Conn
	if u.Scheme == "rtsps" {
		tlsConfig := &tls.Config{ServerName: host}
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}

	c.conn = conn
	c.reader = bufio.NewReaderSize(conn, 65536)

	if err := c.options(); err != nil {
		return fmt.Errorf("OPTIONS: %w", err)
	}
	if err := c.describe(username, password); err != nil {
		return fmt.Errorf("DESCRIBE: %w", err)
	}
	return nil
}

// SetupTracks issues SETUP for every parsed track.
func (c *RTSPClient) SetupTracks() error {
	for channelID, ch := range c.Channels {
		if err := c.setupTrack(channelID, ch); err != nil {
			return fmt.Errorf("setup track %d: %w", channelID, err)
		}
	}
	return nil
}

// Play starts streaming. The PLAY response itself is consumed inside
// ReadPackets, since the server begins pushing RTP immediately after.
func (c *RTSPClient) Play(ctx context.Context) error {
	playURL := c.baseURL
	if u, err := url.Parse(playURL); err == nil {
		if !strings.HasSuffix(u.Path, "/") {
			u.Path += "/"
		}
		playURL = u.String()
	}

	req := c.newRequest("PLAY", playURL)
	req.Header["Range"] = "npt=0.000-"

	if err := c.writeRequest(req); err != nil {
		return fmt.Errorf("PLAY: %w", err)
	}

	c.startKeepalive(ctx)
	return nil
}

func (c *RTSPClient) startKeepalive(ctx context.Context) {
	keepaliveCtx, cancel := context.WithCancel(ctx)
	c.keepaliveCancel = cancel

	go func() {
		ticker := time.NewTicker(c.keepaliveInterval)
		defer ticker.Stop()

		for {
			select {
			case <-keepaliveCtx.Done():
				return
			case <-ticker.C:
				req := c.newRequest("OPTIONS", c.url)
				if err := c.writeRequest(req); err != nil {
					c.logger.Warn("preview keepalive failed", "error", err)
					return
				}
			}
		}
	}()
}

// ReadPackets reads the interleaved RTP/RTCP stream until ctx is
// cancelled or the connection closes.
func (c *RTSPClient) ReadPackets(ctx context.Context) error {
	playResponseReceived := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := c.conn.SetReadDeadline(time.Now().Add(10 * time.Second)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}

		buf4, err := c.reader.Peek(4)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			return fmt.Errorf("peek: %w", err)
		}

		if buf4[0] != '$' {
			if string(buf4) == "RTSP" {
				resp, err := c.readResponseNoDeadline()
				if err != nil {
					return fmt.Errorf("read response: %w", err)
				}
				if !playResponseReceived {
					playResponseReceived = true
					c.logger.Debug("PLAY response received", "status", resp.StatusCode)
				}
				continue
			}
			if _, err := c.reader.ReadByte(); err != nil {
				return fmt.Errorf("discard unexpected byte: %w", err)
			}
			continue
		}

		channel := buf4[1]
		size := binary.BigEndian.Uint16(buf4[2:4])

		if _, err := c.reader.Discard(4); err != nil {
			return fmt.Errorf("discard header: %w", err)
		}

		payload := make([]byte, size)
		if _, err := io.ReadFull(c.reader, payload); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read payload: %w", err)
		}

		if channel%2 == 0 {
			packet := &rtp.Packet{}
			if err := packet.Unmarshal(payload); err != nil {
				c.logger.Warn("failed to unmarshal RTP packet", "channel", channel, "error", err)
				continue
			}
			if c.OnRTPPacket != nil {
				c.OnRTPPacket(channel, packet)
			}
		}
	}
}

// Close tears down the session.
func (c *RTSPClient) Close() error {
	if c.keepaliveCancel != nil {
		c.keepaliveCancel()
		c.keepaliveCancel = nil
	}
	if c.conn != nil {
		req := c.newRequest("TEARDOWN", c.url)
		_ = c.writeRequest(req)
		return c.conn.Close()
	}
	return nil
}

func (c *RTSPClient) options() error {
	req := c.newRequest("OPTIONS", c.url)
	_, err := c.do(req)
	return err
}

func (c *RTSPClient) describe(username, password string) error {
	req := c.newRequest("DESCRIBE", c.url)
	req.Header["Accept"] = "application/sdp"

	if username != "" {
		auth := username + ":" + password
		req.Header["Authorization"] = "Basic " + base64.StdEncoding.EncodeToString([]byte(auth))
	}

	resp, err := c.do(req)
	if err != nil {
		return err
	}

	if contentBase := resp.Header["Content-Base"]; contentBase != "" {
		c.baseURL = strings.TrimSpace(contentBase)
	} else {
		c.baseURL = c.url
	}

	return c.parseSDP(string(resp.Body))
}

func (c *RTSPClient) parseSDP(sdp string) error {
	lines := strings.Split(sdp, "\n")
	var channelID byte

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "m=") {
			parts := strings.Fields(line)
			if len(parts) >= 4 {
				mediaType := parts[0][2:]
				var pt uint8
				if v, err := strconv.Atoi(parts[3]); err == nil {
					pt = uint8(v)
				}
				c.Channels[channelID] = &rtspChannel{ID: channelID, MediaType: mediaType, PayloadType: pt}
				channelID += 2
			}
		}

		if strings.HasPrefix(line, "a=control:") && len(c.Channels) > 0 {
			c.Channels[channelID-2].Control = strings.TrimPrefix(line, "a=control:")
		}
	}

	return nil
}

func (c *RTSPClient) setupTrack(channelID byte, ch *rtspChannel) error {
	u, _ := url.Parse(c.baseURL)
	if !strings.HasPrefix(ch.Control, "rtsp://") && !strings.HasPrefix(ch.Control, "rtsps://") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(ch.Control, "/")
	} else {
		u, _ = url.Parse(ch.Control)
	}

	req := c.newRequest("SETUP", u.String())
	req.Header["Transport"] = fmt.Sprintf("RTP/AVP/TCP;unicast;interleaved=%d-%d", channelID, channelID+1)

	resp, err := c.do(req)
	if err != nil {
		return err
	}

	if c.session == "" {
		if session := resp.Header["Session"]; session != "" {
			if idx := strings.IndexByte(session, ';'); idx > 0 {
				c.session = session[:idx]
			} else {
				c.session = session
			}
		}
	}

	return nil
}

func (c *RTSPClient) newRequest(method, u string) *rtspRequest {
	c.cseq++
	return &rtspRequest{Method: method, URL: u, Header: make(map[string]string), CSeq: c.cseq}
}

func (c *RTSPClient) do(req *rtspRequest) (*rtspResponse, error) {
	if err := c.writeRequest(req); err != nil {
		return nil, err
	}
	return c.readResponse()
}

func (c *RTSPClient) writeRequest(req *rtspRequest) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.session != "" {
		req.Header["Session"] = c.session
	}

	var buf strings.Builder
	buf.WriteString(fmt.Sprintf("%s %s RTSP/1.0\r\n", req.Method, req.URL))
	buf.WriteString(fmt.Sprintf("CSeq: %d\r\n", req.CSeq))
	buf.WriteString("User-Agent: inspectord-preview/1.0\r\n")
	for k, v := range req.Header {
		buf.WriteString(fmt.Sprintf("%s: %s\r\n", k, v))
	}
	buf.WriteString("\r\n")

	if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	_, err := c.conn.Write([]byte(buf.String()))
	return err
}

func (c *RTSPClient) readResponse() (*rtspResponse, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(15 * time.Second)); err != nil {
		return nil, err
	}
	return c.readResponseNoDeadline()
}

func (c *RTSPClient) readResponseNoDeadline() (*rtspResponse, error) {
	statusLine, err := c.reader.ReadString('\n')
	if err != nil {
		return nil, err
	}

	parts := strings.SplitN(strings.TrimSpace(statusLine), " ", 3)
	if len(parts) < 2 {
		return nil, fmt.Errorf("invalid status line: %s", statusLine)
	}

	statusCode, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("invalid status code: %s", parts[1])
	}

	resp := &rtspResponse{StatusCode: statusCode, Header: make(map[string]string)}

	var contentLength int
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		if idx := strings.IndexByte(line, ':'); idx > 0 {
			key := strings.TrimSpace(line[:idx])
			value := strings.TrimSpace(line[idx+1:])
			resp.Header[key] = value
			if key == "Content-Length" {
				contentLength, _ = strconv.Atoi(value)
			}
		}
	}

	if contentLength > 0 {
		body := make([]byte, contentLength)
		if _, err := io.ReadFull(c.reader, body); err != nil {
			return nil, err
		}
		resp.Body = body
	}

	if statusCode != 200 {
		return nil, fmt.Errorf("RTSP error: %d", statusCode)
	}
	return resp, nil
}

type rtspRequest struct {
	Method string
	URL    string
	Header map[string]string
	CSeq   int
}

type rtspResponse struct {
	StatusCode int
	Header     map[string]string
	Body       []byte
}
