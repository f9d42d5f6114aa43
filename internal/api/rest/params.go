package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Field is a request parameter name
type Field string

const (
	FieldDevice       Field = "device"
	FieldTimestamp    Field = "timestamp"
	FieldMin          Field = "min"
	FieldMax          Field = "max"
	FieldMean         Field = "mean"
	FieldVersion      Field = "version"
	FieldBoottime     Field = "boottime"
	FieldEmail        Field = "email"
	FieldLatitude     Field = "latitude"
	FieldLongitude    Field = "longitude"
	FieldRadius       Field = "radius"
	FieldPublicLabel  Field = "publicLabel"
	FieldPrivateLabel Field = "privateLabel"
	FieldPage         Field = "page"
	FieldStart        Field = "start"
	FieldEnd          Field = "end"
	FieldGranularity  Field = "granularity"
)

// Fields accepted by each endpoint
var (
	measurementFields = []Field{FieldDevice, FieldTimestamp, FieldMin, FieldMax, FieldMean, FieldVersion, FieldBoottime}
	registerFields    = []Field{FieldDevice, FieldEmail}
	locationFields    = []Field{FieldDevice, FieldLatitude, FieldLongitude, FieldRadius, FieldPublicLabel, FieldPrivateLabel}
	listFields        = []Field{FieldPage}
	noiseFields       = []Field{FieldPage, FieldStart, FieldEnd, FieldGranularity}
)

// Params reads a fixed set of fields from the form body or the query string.
// A form value wins over a query value of the same name.
type Params struct {
	c      *gin.Context
	fields map[Field]bool
}

func newParams(c *gin.Context, fields []Field) Params {
	allowed := make(map[Field]bool, len(fields))
	for _, f := range fields {
		allowed[f] = true
	}
	return Params{c: c, fields: allowed}
}

// Get returns the value of field, or nil when it was not supplied or is not
// accepted by the endpoint
func (p Params) Get(field Field) *string {
	if !p.fields[field] {
		return nil
	}
	if v, ok := p.c.GetPostForm(string(field)); ok {
		return &v
	}
	if v, ok := p.c.GetQuery(string(field)); ok {
		return &v
	}
	return nil
}

// String returns the value of field or an empty string
func (p Params) String(field Field) string {
	if v := p.Get(field); v != nil {
		return *v
	}
	return ""
}

// header returns the value of a request header and whether it was sent
func header(c *gin.Context, name string) (string, bool) {
	values, ok := c.Request.Header[http.CanonicalHeaderKey(name)]
	if !ok || len(values) == 0 {
		return "", false
	}
	return values[0], true
}
