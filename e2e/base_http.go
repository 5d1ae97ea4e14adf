package e2e

import (
	"bytes"
	"channel-hub/auth"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gookit/color"
	"github.com/stretchr/testify/suite"
)

// BaseHubSuite talks to a running hub. Suites are skipped when HUB_ADDR is
// not set.
type BaseHubSuite struct {
	suite.Suite
	Config Config
	client *http.Client
	token  string
}

// SetupSuite loads the environment configuration before running tests
func (s *BaseHubSuite) SetupSuite() {
	var err error
	s.Config, err = LoadConfig()
	s.Require().NoError(err)
	if s.Config.HubAddr == "" {
		s.T().Skip("HUB_ADDR not set")
	}
	s.client = &http.Client{Timeout: 30 * time.Second}
	s.token, err = auth.NewSigner(s.Config.HubSecret).GenerateToken("e2e", "", time.Hour)
	s.Require().NoError(err)
}

// Step prints a colorized header for a scenario step in logs.
func (s *BaseHubSuite) Step(name string) {
	header := fmt.Sprintf("  ====== %s ======", name)
	if s.Config.Colours {
		header = color.New(color.BgBlack, color.FgGreen).Render(header)
	}
	s.T().Log(header)
}

// Call sends a signed request and decodes the JSON answer into out.
func (s *BaseHubSuite) Call(method, path string, body, out any) int {
	var buf bytes.Buffer
	if body != nil {
		s.Require().NoError(json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, strings.TrimSuffix(s.Config.HubAddr, "/")+path, &buf)
	s.Require().NoError(err)
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := s.client.Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	s.Require().NoError(err)

	logBuilder := strings.Builder{}
	fmt.Fprintf(&logBuilder, "HTTP %s %s [%d] in %v", method, path, resp.StatusCode, time.Since(start))
	if s.Config.DebugJSON {
		fmt.Fprintln(&logBuilder, "\nREQUEST:")
		fmt.Fprintln(&logBuilder, buf.String())
		fmt.Fprintln(&logBuilder, "RESPONSE:")
		fmt.Fprintln(&logBuilder, string(raw))
	}
	s.T().Log(logBuilder.String())

	if out != nil && resp.StatusCode < 300 {
		s.Require().NoError(json.Unmarshal(raw, out))
	}
	return resp.StatusCode
}
