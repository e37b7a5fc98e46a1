package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"go-chat/internal/api"
	"go-chat/internal/chat"
	"go-chat/internal/identity"
)

var (
	baseURL   = flag.String("url", "http://localhost:8080", "chat service base url")
	pairs     = flag.Int("pairs", 500, "number of user pairs; start small, the profile service sees every create")
	msgCount  = flag.Int("messages", 20, "messages per user")
	jwtSecret = flag.String("secret", os.Getenv("JWT_SECRET"), "secret used to mint test tokens")
	drainWait = flag.Duration("drain", 5*time.Second, "how long to wait for pushes after sending")
)

var sent, received atomic.Int64

func main() {
	flag.Parse()
	if *jwtSecret == "" {
		log.Fatal("❌ -secret or JWT_SECRET is required")
	}

	log.Printf("🔥 STARTING STRESS TEST: %d Users, %d Messages each...", *pairs*2, *msgCount)
	start := time.Now()
	var wg sync.WaitGroup

	// Pairs: user 0 talks to user 1, user 2 talks to user 3...
	for i := 0; i < *pairs; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(pairID)
		}(i)
	}

	wg.Wait()
	log.Printf("✅ LOAD TEST COMPLETE in %s: sent=%d pushes received=%d (expected %d)",
		time.Since(start).Round(time.Millisecond), sent.Load(), received.Load(), sent.Load()*2)
}

func runPair(pairID int) {
	userA := fmt.Sprintf("u_%d_a", pairID)
	userB := fmt.Sprintf("u_%d_b", pairID)

	tokenA, errA := identity.Sign(*jwtSecret, userA, userA, time.Hour)
	tokenB, errB := identity.Sign(*jwtSecret, userB, userB, time.Hour)
	if errA != nil || errB != nil {
		log.Printf("❌ Token mint failed for pair %d", pairID)
		return
	}

	convID := createConversation(tokenA, userB)
	if convID == "" {
		return
	}

	var wsWg sync.WaitGroup
	wsWg.Add(2)
	go spamChat(&wsWg, tokenA, convID, userA)
	go spamChat(&wsWg, tokenB, convID, userB)
	wsWg.Wait()
}

func createConversation(token, targetID string) string {
	body, _ := json.Marshal(chat.ConversationRequest{Type: chat.ConversationDirect, ParticipantIDs: []string{targetID}})
	req, _ := http.NewRequest(http.MethodPost, *baseURL+"/conversations/create", bytes.NewBuffer(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Printf("❌ Create Chat Failed: %v", err)
		return ""
	}
	defer resp.Body.Close()

	var data api.Response[chat.ConversationResponse]
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil || resp.StatusCode != http.StatusOK {
		log.Printf("❌ Create Chat Failed: status=%d code=%d %s", resp.StatusCode, data.Code, data.Message)
		return ""
	}
	return data.Result.ID
}

func spamChat(wg *sync.WaitGroup, token, convID, user string) {
	defer wg.Done()

	wsURL := "ws" + strings.TrimPrefix(*baseURL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		log.Printf("❌ WS Connect Fail [%s]: %v", user, err)
		return
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var evt chat.Event
			if err := conn.ReadJSON(&evt); err != nil {
				return
			}
			if evt.Event == chat.EventMessage {
				received.Add(1)
			}
		}
	}()

	for i := 0; i < *msgCount; i++ {
		data, _ := json.Marshal(chat.ChatMessageRequest{
			ConversationID: convID,
			Message:        fmt.Sprintf("LoadTest Msg %d from %s", i, user),
		})
		if err := conn.WriteJSON(chat.Event{Event: chat.EventMessage, Data: data}); err != nil {
			log.Printf("❌ Send Fail [%s]: %v", user, err)
			break
		}
		sent.Add(1)
		// Simulate a real network instead of a localhost burst
		time.Sleep(10 * time.Millisecond)
	}
	log.Printf("✅ %s finished sending %d msgs", user, *msgCount)

	_ = conn.SetReadDeadline(time.Now().Add(*drainWait))
	<-done
}
