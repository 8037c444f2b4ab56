package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"go-chatrelay/internal/chat"
	"go-chatrelay/internal/logger"
)

var (
	baseURL  = flag.String("base", "http://localhost:8080", "server base URL")
	pairs    = flag.Int("pairs", 50, "number of user pairs")
	msgCount = flag.Int("messages", 20, "messages per user")
	drain    = flag.Duration("drain", 5*time.Second, "how long to keep reading after the last send")
)

type AuthResponse struct {
	Token    string `json:"access_token"`
	ID       string `json:"id"`
	Username string `json:"username"`
}

type stats struct {
	sent      atomic.Int64
	acked     atomic.Int64
	received  atomic.Int64
	delivered atomic.Int64
	errors    atomic.Int64
}

func main() {
	flag.Parse()
	log := logger.Init(logger.Config{Level: "info", Pretty: true, ServiceName: "loadtest"})

	log.Info().Int("users", *pairs*2).Int("messages", *msgCount).Msg("🔥 STARTING STRESS TEST")
	var st stats
	var wg sync.WaitGroup
	start := time.Now()

	// User 0 talks to User 1, User 2 talks to User 3...
	for i := 0; i < *pairs; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(pairID, &st)
		}(i)
	}
	wg.Wait()

	log.Info().
		Int64("sent", st.sent.Load()).
		Int64("acked", st.acked.Load()).
		Int64("received", st.received.Load()).
		Int64("delivered_receipts", st.delivered.Load()).
		Int64("errors", st.errors.Load()).
		Dur("elapsed", time.Since(start)).
		Msg("✅ LOAD TEST COMPLETE")
}

func runPair(pairID int, st *stats) {
	log := logger.L()
	pass := "password123"

	a, err := authenticate(fmt.Sprintf("u_%d_a", pairID), pass)
	if err != nil {
		log.Error().Err(err).Int("pair", pairID).Msg("❌ Auth failed")
		return
	}
	b, err := authenticate(fmt.Sprintf("u_%d_b", pairID), pass)
	if err != nil {
		log.Error().Err(err).Int("pair", pairID).Msg("❌ Auth failed")
		return
	}

	roomID, err := createRoom(a.Token, b.ID)
	if err != nil {
		log.Error().Err(err).Int("pair", pairID).Msg("❌ Create room failed")
		return
	}

	var wsWg sync.WaitGroup
	wsWg.Add(2)
	go spamChat(&wsWg, a, roomID, st)
	go spamChat(&wsWg, b, roomID, st)
	wsWg.Wait()
}

// authenticate registers (ignores error if exists) and logs in.
func authenticate(username, password string) (AuthResponse, error) {
	creds := map[string]string{"username": username, "password": password}
	if resp, err := postJSON("/register", "", creds); err == nil {
		resp.Body.Close()
	}

	resp, err := postJSON("/login", "", creds)
	if err != nil {
		return AuthResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return AuthResponse{}, fmt.Errorf("login status %d", resp.StatusCode)
	}

	var data AuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return AuthResponse{}, err
	}
	return data, nil
}

func createRoom(token, targetID string) (string, error) {
	resp, err := postJSON("/api/rooms", token, chat.CreateChatRequest{ParticipantIDs: []string{targetID}})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("create room status %d", resp.StatusCode)
	}

	var room chat.Room
	if err := json.NewDecoder(resp.Body).Decode(&room); err != nil {
		return "", err
	}
	return room.ID, nil
}

func wsURL(token string) string {
	u := strings.Replace(*baseURL, "http", "ws", 1)
	return u + "/ws?token=" + url.QueryEscape(token)
}

func spamChat(wg *sync.WaitGroup, user AuthResponse, roomID string, st *stats) {
	defer wg.Done()
	log := logger.L()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(user.Token), nil)
	if err != nil {
		log.Error().Err(err).Str("user", user.Username).Msg("❌ WS Connect Fail")
		st.errors.Add(1)
		return
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var f chat.Frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			switch f.Type {
			case chat.EventMessageSent:
				st.acked.Add(1)
			case chat.EventNewMessage:
				st.received.Add(1)
			case chat.EventMessageDelivered:
				st.delivered.Add(1)
			case chat.EventError:
				st.errors.Add(1)
			}
		}
	}()

	for i := 0; i < *msgCount; i++ {
		data, _ := json.Marshal(chat.SendMessageRequest{
			RoomID:  roomID,
			Content: fmt.Sprintf("LoadTest Msg %d from %s", i, user.Username),
		})
		if err := conn.WriteJSON(chat.Frame{Type: chat.EventSendMessage, Data: data}); err != nil {
			log.Error().Err(err).Str("user", user.Username).Msg("❌ Send Fail")
			st.errors.Add(1)
			break
		}
		st.sent.Add(1)
		// Small sleep to prevent instant localhost bottleneck (simulate real network)
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-done:
	case <-time.After(*drain):
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.SetReadDeadline(time.Now().Add(time.Second))
		<-done
	}
}

func postJSON(endpoint, token string, data interface{}) (*http.Response, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, *baseURL+endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return http.DefaultClient.Do(req)
}
