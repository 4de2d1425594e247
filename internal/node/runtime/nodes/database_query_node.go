// Package nodes provides built-in node implementations
package nodes

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/flowmaestro/flowmaestro/internal/node/runtime"
)

// DatabaseConnection is the subset of a database_connections row the
// "database-query" executor needs. Execute builds one from an inline
// "dsn"/"driver" config pair, or resolves the config's "connectionId"
// to one through the node's Resolver; with a nil Resolver a
// connectionId fails with "no connection resolver configured".
type DatabaseConnection struct {
	ID     string
	Driver string // "postgres", "mysql", "mongodb"
	DSN    string
}

// ConnectionResolver resolves an opaque database_connections id to its
// connection details. No implementation ships in this repository: the
// instance registered at init has a nil Resolver.
type ConnectionResolver interface {
	ResolveDatabaseConnection(ctx context.Context, id string) (*DatabaseConnection, error)
}

// DatabaseQueryNode is the "database-query" node type: it executes SQL
// (or a MongoDB filter document) against a referenced Database
// Connection, polymorphic over driver. It subsumes the driver-specific
// postgres/mysql/mongodb node types behind one type tag.
type DatabaseQueryNode struct {
	Resolver ConnectionResolver
}

// NewDatabaseQueryNode creates a new database-query node. Resolver may
// be nil in tests that supply connection details inline via config.
func NewDatabaseQueryNode(resolver ConnectionResolver) *DatabaseQueryNode {
	return &DatabaseQueryNode{Resolver: resolver}
}

func (n *DatabaseQueryNode) GetType() string { return "database-query" }

func (n *DatabaseQueryNode) Validate(config map[string]interface{}) error {
	if getStringConfig(config, "connectionId", "") == "" && getStringConfig(config, "dsn", "") == "" {
		return fmt.Errorf("connectionId (or an inline dsn) is required")
	}
	if getStringConfig(config, "query", "") == "" {
		return fmt.Errorf("query is required")
	}
	return nil
}

func (n *DatabaseQueryNode) GetMetadata() runtime.NodeMetadata {
	return runtime.NodeMetadata{
		Type:        "database-query",
		Name:        "Database Query",
		Description: "Execute a query against a referenced database connection",
		Category:    "core",
		Icon:        "database",
		Color:       "#336791",
		Version:     "1.0.0",
		Inputs:      []runtime.PortDefinition{{Name: "main", Type: "any", Description: "Input data"}},
		Outputs:     []runtime.PortDefinition{{Name: "main", Type: "any", Description: "Query results"}},
		Properties: []runtime.PropertyDefinition{
			{Name: "connectionId", Type: "credential", Required: true, Description: "Referenced database_connections id"},
			{Name: "query", Type: "code", Required: true, Description: "SQL statement (or JSON filter for mongodb)"},
			{Name: "params", Type: "json", Description: "Positional query parameters"},
		},
	}
}

func (n *DatabaseQueryNode) Execute(ctx context.Context, input *runtime.ExecutionInput) (*runtime.ExecutionOutput, error) {
	startTime := time.Now()
	output := &runtime.ExecutionOutput{Data: make(map[string]interface{}), Logs: []runtime.LogEntry{}}

	conn, err := n.resolveConnection(ctx, input)
	if err != nil {
		output.Error = runtime.NewNodeError(runtime.ErrorKindValidation, err.Error(), err)
		return output, nil
	}

	query := getStringConfig(input.NodeConfig, "query", "")
	params, _ := input.NodeConfig["params"].([]interface{})

	var result interface{}
	switch conn.Driver {
	case "mongodb":
		database := getStringConfig(input.NodeConfig, "database", "")
		collection := getStringConfig(input.NodeConfig, "collection", "")
		result, err = n.executeMongo(ctx, conn, database, collection, query)
	case "mysql":
		result, err = n.executeSQL(ctx, "mysql", conn.DSN, query, params)
	default:
		result, err = n.executeSQL(ctx, "postgres", conn.DSN, query, params)
	}

	if err != nil {
		output.Error = classifySQLError(err)
		output.Logs = append(output.Logs, runtime.LogEntry{
			Level: "error", Message: fmt.Sprintf("database-query failed: %v", err),
			Timestamp: time.Now().UnixMilli(), NodeID: input.NodeID,
		})
		return output, nil
	}

	if rows, ok := result.([]map[string]interface{}); ok {
		output.Data["rows"] = rows
		output.Data["rowCount"] = len(rows)
	} else {
		output.Data["result"] = result
	}

	output.Metrics = runtime.ExecutionMetrics{
		StartTime:  startTime.UnixMilli(),
		EndTime:    time.Now().UnixMilli(),
		DurationMs: time.Since(startTime).Milliseconds(),
	}
	return output, nil
}

func (n *DatabaseQueryNode) resolveConnection(ctx context.Context, input *runtime.ExecutionInput) (*DatabaseConnection, error) {
	if dsn := getStringConfig(input.NodeConfig, "dsn", ""); dsn != "" {
		return &DatabaseConnection{Driver: getStringConfig(input.NodeConfig, "driver", "postgres"), DSN: dsn}, nil
	}
	connID := getStringConfig(input.NodeConfig, "connectionId", "")
	if connID == "" {
		return nil, fmt.Errorf("connectionId is required")
	}
	if n.Resolver == nil {
		return nil, fmt.Errorf("no connection resolver configured")
	}
	return n.Resolver.ResolveDatabaseConnection(ctx, connID)
}

func (n *DatabaseQueryNode) executeSQL(ctx context.Context, driver, dsn, query string, params []interface{}) (interface{}, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, query, params...)
	if err != nil {
		if result, execErr := db.ExecContext(ctx, query, params...); execErr == nil {
			affected, _ := result.RowsAffected()
			return map[string]interface{}{"rowsAffected": affected}, nil
		}
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows)
}

func (n *DatabaseQueryNode) executeMongo(ctx context.Context, conn *DatabaseConnection, database, collection, query string) (interface{}, error) {
	if database == "" || collection == "" {
		return nil, fmt.Errorf("database and collection are required for mongodb connections")
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(conn.DSN))
	if err != nil {
		return nil, err
	}
	defer client.Disconnect(ctx)

	var filter bson.M
	if query != "" {
		if err := bson.UnmarshalExtJSON([]byte(query), true, &filter); err != nil {
			return nil, fmt.Errorf("invalid mongo filter: %w", err)
		}
	}
	cur, err := client.Database(database).Collection(collection).Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var docs []map[string]interface{}
	for cur.Next(ctx) {
		var doc map[string]interface{}
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, cur.Err()
}

// scanRows materializes a result set into one map per row. Byte-slice
// columns are decoded as JSON when they parse, raw strings otherwise,
// so jsonb columns come back structured.
func scanRows(rows *sql.Rows) ([]map[string]interface{}, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var results []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		valuePtrs := make([]interface{}, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, err
		}

		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			val := values[i]
			if b, ok := val.([]byte); ok {
				var jsonVal interface{}
				if err := json.Unmarshal(b, &jsonVal); err == nil {
					val = jsonVal
				} else {
					val = string(b)
				}
			}
			row[col] = val
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

// classifySQLError maps driver errors to the engine's error kinds.
// Drivers surface auth/timeout/connection failures as plain errors with
// no shared type, so this matches on message substrings.
func classifySQLError(err error) *runtime.NodeError {
	msg := err.Error()
	switch {
	case containsAny(msg, "timeout", "deadline exceeded"):
		return runtime.NewNodeError(runtime.ErrorKindTimeout, msg, err)
	case containsAny(msg, "connection refused", "no such host", "dial tcp", "i/o timeout", "EOF"):
		return runtime.NewNodeError(runtime.ErrorKindNetwork, msg, err)
	case containsAny(msg, "password authentication failed", "access denied", "authentication failed"):
		return runtime.NewNodeError(runtime.ErrorKindAuth, msg, err)
	case containsAny(msg, "syntax error", "does not exist", "unknown column", "invalid"):
		return runtime.NewNodeError(runtime.ErrorKindValidation, msg, err)
	default:
		return runtime.NewNodeError(runtime.ErrorKindServer, msg, err)
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func init() {
	runtime.Register(NewDatabaseQueryNode(nil))
}
