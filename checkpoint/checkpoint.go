// Package checkpoint saves and loads chain states in a bolt database.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/op/go-logging"

	bolt "go.etcd.io/bbolt"
)

// log is the global logging variable.
var log = logging.MustGetLogger("checkpoint")

// MAIN is the bucket name for all checkpoints
var MAIN = []byte("main")

// CheckpointData stores the chain state.
type CheckpointData struct {
	// RunID identifies the run which produced the checkpoint.
	RunID string
	// Parameters are parameter values by parameter id.
	Parameters map[string][]float64
	// Tree is the current tree in Newick format.
	Tree string
	// Nodes are the tree node records by node index.
	Nodes []TreeNode `json:",omitempty"`
	// Operators are coercable operator parameters by operator
	// name.
	Operators map[string]float64
	// RNG is the serialized random generator state.
	RNG          []byte
	LogPosterior float64
	Iter         int
	Final        bool
}

// TreeNode is a saved node record. Internal node indices are not
// recoverable from Newick, so the records are saved as they are.
type TreeNode struct {
	Name     string `json:",omitempty"`
	Parent   int
	Children [2]int
	Height   float64
}

// empty is true if there is no state to resume from.
func (d *CheckpointData) empty() bool {
	return d == nil || (len(d.Parameters) == 0 && d.Tree == "" && len(d.Nodes) == 0)
}

// NewRunID returns a new random run id.
func NewRunID() string {
	return uuid.NewString()
}

// CheckpointIO saves chain states under a key, not more often than
// every given number of seconds.
type CheckpointIO struct {
	db      *bolt.DB
	key     []byte
	last    time.Time
	seconds float64
}

// NewCheckpointIO creates a new CheckpointIO.
func NewCheckpointIO(db *bolt.DB, key []byte, seconds float64) *CheckpointIO {
	return &CheckpointIO{db: db, key: key, seconds: seconds}
}

// Save serializes the state and writes it to the database.
func (s *CheckpointIO) Save(data *CheckpointData) error {
	// a failed save is not retried on the next iteration
	s.SetNow()
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("serializing checkpoint: %w", err)
	}
	if err := SaveData(s.db, s.key, b); err != nil {
		log.Errorf("Error saving checkpoint: %v", err)
		return err
	}
	return nil
}

// GetParameters returns the saved state or nil if there is none.
func (s *CheckpointIO) GetParameters() (*CheckpointData, error) {
	b, err := LoadData(s.db, s.key)
	if err != nil || b == nil {
		return nil, err
	}
	var data *CheckpointData
	if err := json.Unmarshal(b, &data); err != nil {
		return nil, fmt.Errorf("reading checkpoint: %w", err)
	}
	if data.empty() {
		return nil, nil
	}
	state := "unfinished"
	if data.Final {
		state = "finished"
	}
	log.Noticef("Found %s chain checkpoint (run=%s, iter=%v, lnP=%v)", state, data.RunID, data.Iter, data.LogPosterior)
	return data, nil
}

// Old returns true if the last save was too long ago.
func (s *CheckpointIO) Old() bool {
	return time.Since(s.last).Seconds() > s.seconds
}

// SetNow sets last checkpoint time to now.
func (s *CheckpointIO) SetNow() {
	s.last = time.Now()
}

// SaveData puts a value into the main bucket. A nil database is a
// no-op.
func SaveData(db *bolt.DB, key []byte, data []byte) error {
	if db == nil {
		return nil
	}
	return db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(MAIN)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// LoadData returns a copy of a value from the main bucket, or nil.
func LoadData(db *bolt.DB, key []byte) (data []byte, err error) {
	if db == nil {
		return nil, nil
	}
	err = db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(MAIN); b != nil {
			// the value is only valid during the transaction
			if v := b.Get(key); v != nil {
				data = append([]byte(nil), v...)
			}
		}
		return nil
	})
	return
}
