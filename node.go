package hajournal

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/hajournal/hajournal/pkg/file"
)

const nodeFile = "node.json"

// Node is the durable identity of one journal service instance. The ID is
// minted once and survives restarts; peers address each other by it.
type Node struct {
	path        string
	ID          uuid.UUID
	BindAddress string
}

// NewNode loads the node identity from dir if present, otherwise mints a
// fresh ID. The caller must Save a fresh identity before joining a quorum.
func NewNode(dir string) (*Node, error) {
	n := &Node{
		path: dir,
		ID:   uuid.New(),
	}

	f, err := os.Open(filepath.Join(dir, nodeFile))
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		return n, nil
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(n); err != nil {
		return nil, err
	}

	return n, nil
}

// ReplicaID returns the pipeline identity of this node.
func (n *Node) ReplicaID() ReplicaID { return ReplicaID(n.ID.String()) }

// Save will save the node file to disk and replace the existing one if present
func (n *Node) Save() error {
	path := filepath.Join(n.path, nodeFile)
	tmpFile := path + "tmp"

	f, err := os.Create(tmpFile)
	if err != nil {
		return err
	}

	if err := json.NewEncoder(f).Encode(n); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	return file.RenameFile(tmpFile, path)
}
