package outlook

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type mockMessage struct {
	uid   int
	date  time.Time
	flags []string
	raw   string
}

// mockIMAPServer is a small IMAP server speaking just enough of the protocol
// for the client: XOAUTH2, LIST, EXAMINE, UID SEARCH, UID FETCH, NOOP, LOGOUT.
type mockIMAPServer struct {
	listener     net.Listener
	address      string
	validToken   string
	authAttempts atomic.Int32
	connections  atomic.Int32
	noops        atomic.Int32
	failAuth     atomic.Bool

	mu       sync.Mutex
	folders  map[string][]mockMessage
	order    []string
	tags     []string
	payloads []string // decoded XOAUTH2 initial responses
}

func newMockIMAPServer(t *testing.T, validToken string) *mockIMAPServer {
	t.Helper()
	cert, err := generateSelfSignedCertificate()
	if err != nil {
		t.Fatalf("failed to generate certificate: %v", err)
	}
	listener, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	if err != nil {
		t.Fatalf("failed to create TLS listener: %v", err)
	}
	s := &mockIMAPServer{
		listener:   listener,
		address:    listener.Addr().String(),
		validToken: validToken,
		folders:    make(map[string][]mockMessage),
	}
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

func (s *mockIMAPServer) addFolder(name string, msgs ...mockMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.folders[name]; !ok {
		s.order = append(s.order, name)
	}
	s.folders[name] = append(s.folders[name], msgs...)
}

func (s *mockIMAPServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.connections.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *mockIMAPServer) handleConnection(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	writer.WriteString("* OK IMAP4rev1 Mock Server Ready\r\n")
	writer.Flush()

	selected := ""
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		tag, rest, _ := strings.Cut(line, " ")
		command, args, _ := strings.Cut(rest, " ")
		s.mu.Lock()
		s.tags = append(s.tags, tag)
		s.mu.Unlock()
		command = strings.ToUpper(command)
		if command == "UID" {
			sub, subArgs, _ := strings.Cut(args, " ")
			command = "UID " + strings.ToUpper(sub)
			args = subArgs
		}

		switch command {
		case "AUTHENTICATE":
			s.authAttempts.Add(1)
			_, b64, _ := strings.Cut(args, " ")
			raw, _ := base64.StdEncoding.DecodeString(b64)
			s.mu.Lock()
			s.payloads = append(s.payloads, string(raw))
			s.mu.Unlock()
			if s.failAuth.Load() || !strings.HasSuffix(string(raw), "\x01auth=Bearer "+s.validToken+"\x01\x01") {
				writer.WriteString("+ " + base64.StdEncoding.EncodeToString([]byte(`{"status":"401"}`)) + "\r\n")
				writer.Flush()
				if _, err := reader.ReadString('\n'); err != nil {
					return
				}
				fmt.Fprintf(writer, "%s NO AUTHENTICATE failed.\r\n", tag)
			} else {
				fmt.Fprintf(writer, "%s OK AUTHENTICATE completed.\r\n", tag)
			}

		case "LIST":
			s.mu.Lock()
			for _, name := range s.order {
				fmt.Fprintf(writer, "* LIST (\\HasNoChildren) \"/\" %q\r\n", name)
			}
			s.mu.Unlock()
			fmt.Fprintf(writer, "%s OK LIST completed.\r\n", tag)

		case "EXAMINE":
			name, _ := strconv.Unquote(args)
			s.mu.Lock()
			msgs, ok := s.folders[name]
			s.mu.Unlock()
			if !ok {
				selected = ""
				fmt.Fprintf(writer, "%s NO [NONEXISTENT] Folder not found.\r\n", tag)
				break
			}
			selected = name
			fmt.Fprintf(writer, "* %d EXISTS\r\n* OK [UIDVALIDITY 42] UIDs valid\r\n", len(msgs))
			fmt.Fprintf(writer, "%s OK [READ-ONLY] EXAMINE completed.\r\n", tag)

		case "UID SEARCH":
			var uids []string
			for _, m := range s.messages(selected) {
				uids = append(uids, strconv.Itoa(m.uid))
			}
			fmt.Fprintf(writer, "* SEARCH %s\r\n", strings.Join(uids, " "))
			fmt.Fprintf(writer, "%s OK SEARCH completed.\r\n", tag)

		case "UID FETCH":
			set, items, _ := strings.Cut(args, " ")
			want := parseMockSet(set)
			for i, m := range s.messages(selected) {
				if !want[m.uid] {
					continue
				}
				writer.WriteString(mockFetchLine(i+1, m, items))
			}
			fmt.Fprintf(writer, "%s OK FETCH completed.\r\n", tag)

		case "NOOP":
			s.noops.Add(1)
			fmt.Fprintf(writer, "%s OK NOOP completed.\r\n", tag)

		case "LOGOUT":
			writer.WriteString("* BYE IMAP4rev1 Server logging out\r\n")
			fmt.Fprintf(writer, "%s OK LOGOUT completed.\r\n", tag)
			writer.Flush()
			return

		default:
			fmt.Fprintf(writer, "%s BAD Unknown command.\r\n", tag)
		}
		writer.Flush()
	}
}

func (s *mockIMAPServer) sentTags() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.tags)
}

func (s *mockIMAPServer) authPayloads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.payloads)
}

func (s *mockIMAPServer) messages(folder string) []mockMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.folders[folder])
}

func parseMockSet(set string) map[int]bool {
	want := make(map[int]bool)
	for _, part := range strings.Split(set, ",") {
		lo, hi, isRange := strings.Cut(part, ":")
		a, _ := strconv.Atoi(lo)
		b := a
		if isRange {
			b, _ = strconv.Atoi(hi)
		}
		for u := a; u <= b; u++ {
			want[u] = true
		}
	}
	return want
}

func mockFetchLine(seq int, m mockMessage, items string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "* %d FETCH (UID %d FLAGS (%s) INTERNALDATE \"%s\" RFC822.SIZE %d",
		seq, m.uid, strings.Join(m.flags, " "), m.date.Format(TimeFormat), len(m.raw))
	switch {
	case strings.Contains(items, "HEADER.FIELDS"):
		header, _, _ := strings.Cut(m.raw, "\r\n\r\n")
		header += "\r\n\r\n"
		fmt.Fprintf(&b, " BODY[HEADER.FIELDS (%s)] {%d}\r\n%s", summaryHeaderFields, len(header), header)
	case strings.Contains(items, "BODY.PEEK[]"):
		fmt.Fprintf(&b, " BODY[] {%d}\r\n%s", len(m.raw), m.raw)
	}
	b.WriteString(")\r\n")
	return b.String()
}

func (s *mockIMAPServer) Close() {
	s.listener.Close()
}

func (s *mockIMAPServer) GetHost() string {
	host, _, _ := net.SplitHostPort(s.address)
	return host
}

func (s *mockIMAPServer) GetPort() int {
	_, portStr, _ := net.SplitHostPort(s.address)
	port, _ := strconv.Atoi(portStr)
	return port
}

// newTestMessage builds a plain-text RFC 822 message.
func newTestMessage(uid int, date time.Time, subject, from string, flags ...string) mockMessage {
	raw := strings.Join([]string{
		"From: " + from,
		"To: me@outlook.com",
		"Subject: " + subject,
		"Date: " + date.Format(time.RFC1123Z),
		"Message-ID: <" + strconv.Itoa(uid) + "@example.com>",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"Body of message " + strconv.Itoa(uid),
		"",
	}, "\r\n")
	return mockMessage{uid: uid, date: date, flags: flags, raw: raw}
}

// useMockGlobals points the package tunables at a test server and restores
// them when the test ends.
func useMockGlobals(t *testing.T) {
	t.Helper()
	origVerbose, origSkip := Verbose, TLSSkipVerify
	origRetries, origDial, origCmd := DialRetries, DialTimeout, CommandTimeout
	Verbose = false
	TLSSkipVerify = true
	DialRetries = 0
	DialTimeout = 5 * time.Second
	CommandTimeout = 5 * time.Second
	t.Cleanup(func() {
		Verbose, TLSSkipVerify = origVerbose, origSkip
		DialRetries, DialTimeout, CommandTimeout = origRetries, origDial, origCmd
	})
}

// generateSelfSignedCertificate generates a self-signed certificate for testing
func generateSelfSignedCertificate() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"Test Co"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1)},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})

	return tls.X509KeyPair(certPEM, keyPEM)
}
