// Package main provides a small item CRUD server used as the demo origin
// behind the gateway. It also exposes /__status/{code} for exercising the
// gateway's error handling, retries, and circuit breaker by hand.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Item is the demo resource.
type Item struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// itemStore is a mutex-guarded in-memory item table.
type itemStore struct {
	mu    sync.RWMutex
	items map[int]Item
}

func newItemStore() *itemStore {
	return &itemStore{items: map[int]Item{
		1: {ID: 1, Name: "Item 1", Description: "This is item 1"},
		2: {ID: 2, Name: "Item 2", Description: "This is item 2"},
	}}
}

func (s *itemStore) list() []Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Item, 0, len(s.items))
	for _, item := range s.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *itemStore) get(id int) (Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	return item, ok
}

func (s *itemStore) put(item Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.ID] = item
}

func (s *itemStore) delete(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return false
	}
	delete(s.items, id)
	return true
}

func main() {
	port := flag.Int("port", 8000, "port to listen on")
	flag.Parse()

	if p := os.Getenv("PORT"); p != "" {
		fmt.Sscanf(p, "%d", port)
	}

	store := newItemStore()

	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			writeError(w, http.StatusNotFound, "Not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "Backend API is running"})
	})

	http.HandleFunc("/items", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, store.list())
		case http.MethodPost:
			var item Item
			if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
				writeError(w, http.StatusUnprocessableEntity, "invalid item payload")
				return
			}
			store.put(item)
			writeJSON(w, http.StatusOK, item)
		default:
			writeError(w, http.StatusMethodNotAllowed, "Method Not Allowed")
		}
	})

	http.HandleFunc("/items/", func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/items/"))
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "item id must be an integer")
			return
		}

		switch r.Method {
		case http.MethodGet:
			item, ok := store.get(id)
			if !ok {
				writeError(w, http.StatusNotFound, "Item not found")
				return
			}
			writeJSON(w, http.StatusOK, item)
		case http.MethodPut:
			var item Item
			if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
				writeError(w, http.StatusUnprocessableEntity, "invalid item payload")
				return
			}
			item.ID = id
			store.put(item)
			writeJSON(w, http.StatusOK, item)
		case http.MethodDelete:
			if !store.delete(id) {
				writeError(w, http.StatusNotFound, "Item not found")
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"message": "deleted"})
		default:
			writeError(w, http.StatusMethodNotAllowed, "Method Not Allowed")
		}
	})

	// /__status/{code} returns an arbitrary HTTP status code, useful for
	// driving the gateway's breaker and error envelope by hand.
	http.HandleFunc("/__status/", func(w http.ResponseWriter, r *http.Request) {
		code, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/__status/"))
		if err != nil || code < 100 || code > 599 {
			code = 500
		}
		writeJSON(w, code, map[string]any{
			"requested_code": code,
			"message":        http.StatusText(code),
		})
	})

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("itemstore listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, nil))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// writeError uses the {"detail": ...} error shape so the gateway's message
// promotion has something realistic to work with.
func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
