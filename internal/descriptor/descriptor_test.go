package descriptor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/desertthunder/pmx/internal/models"
	"github.com/desertthunder/pmx/internal/shared"
)

const jsonDoc = `{
  "name": "tiff migration",
  "owner": "archivist",
  "targets": ["x-fmt/392"],
  "shape": "ONE_TO_ONE",
  "kind": "MIGRATION",
  "parameters": {"quality": "90"},
  "objects": [
    {"id": "obj-1", "format": "fmt/353"},
    {"id": "obj-2"}
  ],
  "paths": [{"format": "fmt/353", "services": ["tiff2jp2"]}]
}`

const xmlDoc = `<?xml version="1.0" encoding="UTF-8"?>
<migrationPlan name="tiff migration" owner="archivist">
  <targets><format>x-fmt/392</format></targets>
  <shape>ONE_TO_ONE</shape>
  <parameters><parameter name="quality">90</parameter></parameters>
  <objects>
    <object id="obj-1" format="fmt/353"/>
    <object id="obj-2"/>
  </objects>
  <paths>
    <path format="fmt/353"><service>tiff2jp2</service></path>
  </paths>
</migrationPlan>`

func TestParse(t *testing.T) {
	check := func(t *testing.T, req Request) {
		t.Helper()
		assert.Equal(t, "tiff migration", req.Name)
		assert.Equal(t, "archivist", req.Owner)
		assert.Equal(t, []string{"x-fmt/392"}, req.Targets)
		assert.Equal(t, map[string]string{"quality": "90"}, req.Parameters)
		require.Len(t, req.Objects, 2)
		assert.Equal(t, Object{ID: "obj-1", Format: "fmt/353"}, req.Objects[0])
		assert.Equal(t, "", req.Objects[1].Format)

		path, ok := req.SharedPath("fmt/353")
		require.True(t, ok)
		assert.Equal(t, []string{"tiff2jp2"}, path.Services)
		_, ok = req.SharedPath("other")
		assert.False(t, ok)

		shape, err := req.ShapeConstraint()
		require.NoError(t, err)
		require.NotNil(t, shape)
		assert.Equal(t, models.OneToOne, *shape)
		assert.NotEmpty(t, req.Raw)
	}

	t.Run("JSON", func(t *testing.T) {
		req, err := Parse([]byte(jsonDoc), JSON)
		require.NoError(t, err)
		check(t, req)
		assert.Equal(t, "MIGRATION", req.Kind)
	})

	t.Run("XML", func(t *testing.T) {
		req, err := Parse([]byte(xmlDoc), XML)
		require.NoError(t, err)
		check(t, req)
	})

	t.Run("JSON schema violations", func(t *testing.T) {
		tc := map[string]string{
			"missing objects":   `{"name": "x"}`,
			"empty objects":     `{"name": "x", "objects": []}`,
			"unknown property":  `{"name": "x", "objects": [{"id": "a"}], "priority": 1}`,
			"bad shape":         `{"name": "x", "objects": [{"id": "a"}], "shape": "MANY_TO_MANY"}`,
			"object without id": `{"name": "x", "objects": [{"format": "fmt/1"}]}`,
			"not json":          `name: x`,
		}
		for name, doc := range tc {
			t.Run(name, func(t *testing.T) {
				_, err := Parse([]byte(doc), JSON)
				assert.ErrorIs(t, err, shared.ErrInvalidDescriptor)
			})
		}
	})

	t.Run("XML structural violations", func(t *testing.T) {
		tc := map[string]string{
			"no name":        `<migrationPlan><objects><object id="a"/></objects></migrationPlan>`,
			"no objects":     `<migrationPlan name="x"/>`,
			"blank id":       `<migrationPlan name="x"><objects><object id=" "/></objects></migrationPlan>`,
			"bad kind":       `<migrationPlan name="x"><kind>DELIVERY</kind><objects><object id="a"/></objects></migrationPlan>`,
			"duplicate path": `<migrationPlan name="x"><objects><object id="a"/></objects><paths><path format="f"><service>s</service></path><path format="f"><service>t</service></path></paths></migrationPlan>`,
			"wrong root":     `<plan name="x"/>`,
			"malformed":      `<migrationPlan name="x">`,
		}
		for name, doc := range tc {
			t.Run(name, func(t *testing.T) {
				_, err := Parse([]byte(doc), XML)
				assert.ErrorIs(t, err, shared.ErrInvalidDescriptor)
			})
		}
	})

	t.Run("unknown encoding", func(t *testing.T) {
		_, err := Parse([]byte(jsonDoc), Encoding("yaml"))
		assert.ErrorIs(t, err, shared.ErrInvalidDescriptor)
	})
}

func TestDetect(t *testing.T) {
	assert.Equal(t, XML, Detect("plan.XML", []byte("{")))
	assert.Equal(t, JSON, Detect("plan.json", []byte("<")))
	assert.Equal(t, XML, Detect("-", []byte("  \n<migrationPlan/>")))
	assert.Equal(t, JSON, Detect("", []byte(`{"name":"x"}`)))
}
