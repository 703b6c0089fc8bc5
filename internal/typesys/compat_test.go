package typesys

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/pkg/schema"
)

func person() schema.ValueSchema {
	return schema.Object(map[string]schema.ValueSchema{
		"name":  schema.Primitive(schema.TypeString),
		"score": schema.Primitive(schema.TypeNumber),
	})
}

// --- Reflexivity ---

func TestIsCompatible_Reflexive(t *testing.T) {
	cases := []schema.ValueSchema{
		schema.Primitive(schema.TypeString),
		schema.Primitive(schema.TypeNumber),
		schema.Primitive(schema.TypeBoolean),
		schema.Primitive(schema.TypeFile),
		schema.ArrayOf(schema.TypeString),
		schema.ArrayOf(schema.TypeNumber),
		person(),
		{Type: schema.TypeObject, Array: true, Fields: person().Fields},
		schema.Object(map[string]schema.ValueSchema{"inner": person()}),
	}
	for _, s := range cases {
		t.Run(s.String(), func(t *testing.T) {
			assert.True(t, IsCompatible(s, s))
			assert.NoError(t, Compatible(s, s))
		})
	}
}

// --- Object subset rule ---

func TestIsCompatible_ObjectExtraFieldsIgnored(t *testing.T) {
	wide := schema.Object(map[string]schema.ValueSchema{
		"name":  schema.Primitive(schema.TypeString),
		"score": schema.Primitive(schema.TypeNumber),
		"email": schema.Primitive(schema.TypeString),
	})
	assert.True(t, IsCompatible(person(), wide))
	assert.False(t, IsCompatible(wide, person()), "target field email missing in candidate")
}

func TestIsCompatible_ObjectFieldTypeMismatch(t *testing.T) {
	candidate := schema.Object(map[string]schema.ValueSchema{
		"name":  schema.Primitive(schema.TypeString),
		"score": schema.Primitive(schema.TypeString),
	})
	assert.False(t, IsCompatible(person(), candidate))
}

func TestIsCompatible_NestedObject(t *testing.T) {
	target := schema.Object(map[string]schema.ValueSchema{"owner": person()})
	candidate := schema.Object(map[string]schema.ValueSchema{
		"owner": schema.Object(map[string]schema.ValueSchema{
			"name":  schema.Primitive(schema.TypeString),
			"score": schema.Primitive(schema.TypeNumber),
			"age":   schema.Primitive(schema.TypeNumber),
		}),
	})
	assert.True(t, IsCompatible(target, candidate))
}

// --- string <- string[] ---

func TestIsCompatible_StringAcceptsStringArray(t *testing.T) {
	assert.True(t, IsCompatible(schema.Primitive(schema.TypeString), schema.ArrayOf(schema.TypeString)))
}

func TestIsCompatible_ImplicitJoinIsStringOnly(t *testing.T) {
	assert.False(t, IsCompatible(schema.ArrayOf(schema.TypeString), schema.Primitive(schema.TypeString)))
	assert.False(t, IsCompatible(schema.Primitive(schema.TypeNumber), schema.ArrayOf(schema.TypeNumber)))
	assert.False(t, IsCompatible(schema.Primitive(schema.TypeBoolean), schema.ArrayOf(schema.TypeBoolean)))
	assert.False(t, IsCompatible(schema.Primitive(schema.TypeFile), schema.ArrayOf(schema.TypeFile)))
	assert.False(t, IsCompatible(schema.Primitive(schema.TypeString), schema.ArrayOf(schema.TypeNumber)))
}

func TestIsCompatible_BaseTypeMismatch(t *testing.T) {
	assert.False(t, IsCompatible(schema.Primitive(schema.TypeString), schema.Primitive(schema.TypeNumber)))
	assert.False(t, IsCompatible(schema.Primitive(schema.TypeFile), schema.Primitive(schema.TypeString)))
}

func TestCompatible_MismatchError(t *testing.T) {
	err := Compatible(schema.Primitive(schema.TypeNumber), schema.ArrayOf(schema.TypeString))
	require.Error(t, err)

	fe := schema.AsFlowError(err, "")
	assert.Equal(t, schema.ErrCodeTypeMismatch, fe.Code)
	assert.Equal(t, "number", fe.Details["expected"])
	assert.Equal(t, "string[]", fe.Details["actual"])
}

// --- Depth guard ---

func deepObject(levels int) schema.ValueSchema {
	s := schema.Primitive(schema.TypeString)
	for i := 0; i < levels; i++ {
		s = schema.Object(map[string]schema.ValueSchema{"next": s})
	}
	return s
}

func TestCompatible_DepthGuard(t *testing.T) {
	deep := deepObject(MaxDepth + 5)

	assert.False(t, IsCompatible(deep, deep))

	err := Compatible(deep, deep)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeSchema))
}

func TestCompatible_WithinDepth(t *testing.T) {
	s := deepObject(MaxDepth - 1)
	assert.True(t, IsCompatible(s, s))
}

// --- ValidateSchema ---

func TestValidateSchema(t *testing.T) {
	tests := []struct {
		name    string
		schema  schema.ValueSchema
		wantErr bool
	}{
		{"string", schema.Primitive(schema.TypeString), false},
		{"array", schema.ArrayOf(schema.TypeFile), false},
		{"object", person(), false},
		{"empty object", schema.Object(map[string]schema.ValueSchema{}), false},
		{"unknown type", schema.ValueSchema{Type: "date"}, true},
		{"empty type", schema.ValueSchema{}, true},
		{"object without fields", schema.ValueSchema{Type: schema.TypeObject}, true},
		{"fields on primitive", schema.ValueSchema{Type: schema.TypeString, Fields: person().Fields}, true},
		{"bad nested field", schema.Object(map[string]schema.ValueSchema{"x": {Type: "blob"}}), true},
		{"empty field name", schema.Object(map[string]schema.ValueSchema{"": schema.Primitive(schema.TypeString)}), true},
		{"too deep", deepObject(MaxDepth + 2), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSchema(tt.schema)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, schema.IsCode(err, schema.ErrCodeSchema))
				return
			}
			assert.NoError(t, err)
		})
	}
}
