package ingestion

import (
	"fmt"
	"path"
	"strconv"
	"strings"
)

// Source kinds are the path segment distinguishing raw uploads from Parquet data.
const (
	SourceInput = "input"
	SourceData  = "data"
)

const (
	clientRoot     = "client"
	archiveSegment = "archive"
	viewSuffix     = "view"
	parquetExt     = ".parquet"
)

// CSVPrefix returns client/<clientId>/<modelId>/input/<tableName>/.
func CSVPrefix(clientID, modelID, tableName string) string {
	return tablePrefix(clientID, modelID, SourceInput, tableName)
}

// DataPrefix returns client/<clientId>/<modelId>/data/<tableName>/.
func DataPrefix(clientID, modelID, tableName string) string {
	return tablePrefix(clientID, modelID, SourceData, tableName)
}

// ModelDataPrefix returns client/<clientId>/<modelId>/data/, the parent of
// every table's data prefix.
func ModelDataPrefix(clientID, modelID string) string {
	return clientRoot + "/" + clientID + "/" + modelID + "/" + SourceData + "/"
}

func tablePrefix(clientID, modelID, src, tableName string) string {
	return clientRoot + "/" + clientID + "/" + modelID + "/" + src + "/" + tableName + "/"
}

// CSVKey returns the key the raw upload of fileName is stored under.
func CSVKey(clientID, modelID, tableName, fileName string) string {
	return CSVPrefix(clientID, modelID, tableName) + fileName
}

// ParquetKey returns the key the Parquet conversion of fileName is stored under:
// the file's base name with its extension replaced by .parquet.
func ParquetKey(clientID, modelID, tableName, fileName string) string {
	base := path.Base(fileName)
	base = strings.TrimSuffix(base, path.Ext(base))

	return DataPrefix(clientID, modelID, tableName) + base + parquetExt
}

// ArchiveKey maps an object key under a table's input or data prefix to
//
//	client/<clientId>/archive/<modelId>/<timestamp>/<src>/<tableName>/<fileName>
//
// where <src> is the original input/data segment and <fileName> keeps any
// nested structure below the table prefix.
func ArchiveKey(key string, timestamp int64) (string, error) {
	parts := strings.SplitN(key, "/", 6)
	if len(parts) < 6 || parts[0] != clientRoot || parts[5] == "" {
		return "", fmt.Errorf("%w: not a table object key: %q", ErrInvalidArgument, key)
	}

	clientID, modelID, src, tableName, rest := parts[1], parts[2], parts[3], parts[4], parts[5]
	if src != SourceInput && src != SourceData {
		return "", fmt.Errorf("%w: unknown source segment %q in %q", ErrInvalidArgument, src, key)
	}

	return strings.Join([]string{
		clientRoot, clientID, archiveSegment, modelID, strconv.FormatInt(timestamp, 10), src, tableName, rest,
	}, "/"), nil
}

// TableName returns <clientId>_<modelId>_<tableName>.
func TableName(clientID, modelID, tableName string) string {
	return TablePrefix(clientID, modelID) + tableName
}

// ViewName returns <clientId>_<modelId>_view.
func ViewName(clientID, modelID string) string {
	return TablePrefix(clientID, modelID) + viewSuffix
}

// TablePrefix returns the <clientId>_<modelId>_ prefix shared by every table
// and the view of a model.
func TablePrefix(clientID, modelID string) string {
	return clientID + "_" + modelID + "_"
}
