package bbb

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/publicsuffix"
)

// MeetingInfo describes one meeting as reported by the hosting service.
type MeetingInfo struct {
	ID               string
	Name             string
	ParticipantCount int
	Running          bool
	JoinURL          string
}

// Client talks to the meeting-hosting service's HTTP API. Requests are
// authenticated with a SHA-1 checksum over (api call + sorted query string +
// shared secret) appended as a checksum parameter.
type Client struct {
	logger     *logrus.Logger
	apiURL     string
	apiSecret  string
	httpClient *http.Client
}

// NewClient creates a meeting API client. apiURL must end with a slash.
func NewClient(logger *logrus.Logger, apiURL, apiSecret string) *Client {
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	return &Client{
		logger:    logger,
		apiURL:    apiURL,
		apiSecret: apiSecret,
		httpClient: &http.Client{
			Jar:     jar,
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) checksum(apiCall, queryString string) string {
	hash := sha1.Sum([]byte(apiCall + queryString + c.apiSecret))
	return hex.EncodeToString(hash[:])
}

// signedURL builds a checksum-signed API URL for the given call.
func (c *Client) signedURL(apiCall string, params url.Values) string {
	queryString := params.Encode()
	checksum := c.checksum(apiCall, queryString)
	if queryString == "" {
		return fmt.Sprintf("%s%s?checksum=%s", c.apiURL, apiCall, checksum)
	}
	return fmt.Sprintf("%s%s?%s&checksum=%s", c.apiURL, apiCall, queryString, checksum)
}

// xmlMeetingsResponse is the XML payload shape for getMeetings.
type xmlMeetingsResponse struct {
	XMLName    xml.Name `xml:"response"`
	ReturnCode string   `xml:"returncode"`
	MessageKey string   `xml:"messageKey"`
	Message    string   `xml:"message"`
	Meetings   struct {
		Meetings []xmlMeeting `xml:"meeting"`
	} `xml:"meetings"`
}

type xmlMeeting struct {
	MeetingID        string `xml:"meetingID"`
	MeetingName      string `xml:"meetingName"`
	ParticipantCount int    `xml:"participantCount"`
	Running          string `xml:"running"`
}

// jsonMeetingsResponse is the alternative JSON payload shape some
// deployments respond with.
type jsonMeetingsResponse struct {
	ReturnCode string        `json:"returncode"`
	Message    string        `json:"message"`
	Meetings   []jsonMeeting `json:"meetings"`
}

type jsonMeeting struct {
	MeetingID        string          `json:"meetingID"`
	MeetingName      string          `json:"meetingName"`
	ParticipantCount json.RawMessage `json:"participantCount"`
	Running          json.RawMessage `json:"running"`
}

// GetMeetings fetches the list of currently known meetings. The service may
// respond in XML or JSON; both are handled.
func (c *Client) GetMeetings(ctx context.Context) ([]MeetingInfo, error) {
	reqURL := c.signedURL("getMeetings", url.Values{})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create getMeetings request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("getMeetings request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read getMeetings response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("getMeetings returned status %d", resp.StatusCode)
	}

	return c.parseMeetings(body)
}

func (c *Client) parseMeetings(body []byte) ([]MeetingInfo, error) {
	trimmed := strings.TrimSpace(string(body))

	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		return parseJSONMeetings(body)
	}

	var xmlResp xmlMeetingsResponse
	if err := xml.Unmarshal(body, &xmlResp); err != nil {
		// Some proxies rewrite error pages to JSON regardless of the
		// request; give the other shape one chance before giving up.
		if meetings, jsonErr := parseJSONMeetings(body); jsonErr == nil {
			return meetings, nil
		}
		return nil, fmt.Errorf("unparseable getMeetings payload: %w", err)
	}

	if xmlResp.ReturnCode != "SUCCESS" {
		if xmlResp.MessageKey == "noMeetings" {
			return nil, nil
		}
		return nil, fmt.Errorf("getMeetings failed: %s - %s", xmlResp.MessageKey, xmlResp.Message)
	}

	meetings := make([]MeetingInfo, 0, len(xmlResp.Meetings.Meetings))
	for _, m := range xmlResp.Meetings.Meetings {
		meetings = append(meetings, MeetingInfo{
			ID:               m.MeetingID,
			Name:             m.MeetingName,
			ParticipantCount: m.ParticipantCount,
			Running:          m.Running == "true",
		})
	}
	return meetings, nil
}

func parseJSONMeetings(body []byte) ([]MeetingInfo, error) {
	var jsonResp jsonMeetingsResponse
	if err := json.Unmarshal(body, &jsonResp); err != nil {
		return nil, fmt.Errorf("unparseable JSON meetings payload: %w", err)
	}
	if jsonResp.ReturnCode != "" && jsonResp.ReturnCode != "SUCCESS" {
		return nil, fmt.Errorf("getMeetings failed: %s", jsonResp.Message)
	}

	meetings := make([]MeetingInfo, 0, len(jsonResp.Meetings))
	for _, m := range jsonResp.Meetings {
		meetings = append(meetings, MeetingInfo{
			ID:               m.MeetingID,
			Name:             m.MeetingName,
			ParticipantCount: flexInt(m.ParticipantCount),
			Running:          flexBool(m.Running),
		})
	}
	return meetings, nil
}

// flexInt accepts both numeric and quoted-numeric JSON values.
func flexInt(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	s := strings.Trim(string(raw), `"`)
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}

// flexBool accepts true/"true" JSON values.
func flexBool(raw json.RawMessage) bool {
	return strings.Trim(string(raw), `"`) == "true"
}

// BuildJoinURL returns a signed join link for the given meeting. The bot
// joins as a viewer with full audio so its microphone track is negotiated.
func (c *Client) BuildJoinURL(meetingID, fullName string) string {
	params := url.Values{}
	params.Add("meetingID", meetingID)
	params.Add("fullName", fullName)
	params.Add("redirect", "true")
	params.Add("joinViaHtml5", "true")
	params.Add("listenOnly", "false")

	return c.signedURL("join", params)
}
