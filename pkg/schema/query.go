package schema

// QueryRequestSchemaVersionV1 is the schema_version of QueryRequestV1.
const QueryRequestSchemaVersionV1 = "query_request_v1"

// QueryResultSchemaVersionV1 is the schema_version of QueryResultV1.
const QueryResultSchemaVersionV1 = "query_result_v1"

// QueryRequestV1 is the Processor's request/reply payload to the read-only
// columnar store on ducklake.{table}.query: a catalog-rendered SQL body plus
// the target keys the caller expects one result row per.
type QueryRequestV1 struct {
	SchemaVersion string   `json:"schema_version"`
	Table         string   `json:"table"`
	SQL           string   `json:"sql"`
	Targets       []string `json:"targets"`
}

// QueryResultV1 is the columnar store's reply: either Frame is populated, or
// Error is, never both.
type QueryResultV1 struct {
	SchemaVersion string             `json:"schema_version"`
	Frame         ArrowFrameV1       `json:"frame"`
	Error         *PolarsEvalErrorV1 `json:"error,omitempty"`
}
