// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package swingstore

import (
	"github.com/ava-labs/avalanchego/database"
	"github.com/ava-labs/avalanchego/database/leveldb"
	"github.com/ava-labs/avalanchego/utils/logging"
)

// OpenLevelDB opens the on-disk database a kernel node keeps its store in.
func OpenLevelDB(dir string) (database.Database, error) {
	return leveldb.New(dir, nil, logging.NoLog{})
}
