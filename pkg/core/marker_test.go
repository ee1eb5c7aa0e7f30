package core

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMarkerType(t *testing.T) {
	for _, s := range []string{"city", "dungeon", "landmark", "shop", " Shop "} {
		mt, err := ParseMarkerType(s)
		require.NoError(t, err, s)
		assert.True(t, mt.Valid())
	}

	_, err := ParseMarkerType("tavern")
	require.ErrorIs(t, err, ErrInvalidMarker)
}

func TestMarkerDraft_Validate(t *testing.T) {
	ok := MarkerDraft{X: 50, Y: 50, Title: "Old Tower", Type: MarkerDungeon}
	require.NoError(t, ok.Validate())

	edges := MarkerDraft{X: 0, Y: 100, Title: "Edge", Type: MarkerCity}
	require.NoError(t, edges.Validate())

	cases := map[string]MarkerDraft{
		"bad type":   {X: 1, Y: 1, Title: "a", Type: "tavern"},
		"no title":   {X: 1, Y: 1, Title: "  ", Type: MarkerShop},
		"x too big":  {X: 100.01, Y: 1, Title: "a", Type: MarkerShop},
		"negative y": {X: 1, Y: -1, Title: "a", Type: MarkerShop},
		"nan":        {X: math.NaN(), Y: 1, Title: "a", Type: MarkerShop},
	}
	for name, d := range cases {
		assert.ErrorIs(t, d.Validate(), ErrInvalidMarker, name)
	}
}

func TestMarkerDraft_WithID(t *testing.T) {
	d := MarkerDraft{X: 12.5, Y: 80, Title: "Port", Description: "Salty", Type: MarkerCity, MarkerImage: "tok.png"}
	m := d.WithID("abc")

	assert.Equal(t, "abc", m.ID)
	assert.Equal(t, 12.5, m.X)
	assert.Equal(t, 80.0, m.Y)
	assert.Equal(t, "Port", m.Title)
	assert.Equal(t, "Salty", m.Description)
	assert.Equal(t, MarkerCity, m.Type)
	assert.Equal(t, "tok.png", m.MarkerImage)
	assert.Empty(t, m.Image)
}

func TestMarkerStyle(t *testing.T) {
	assert.Equal(t, "dungeon", MarkerStyle(MarkerDungeon).Label)
	assert.Equal(t, "red-500", MarkerStyle(MarkerDungeon).Color)
	assert.Equal(t, "blue-400", MarkerStyle(MarkerCity).Color)
	assert.Equal(t, "yellow-400", MarkerStyle(MarkerShop).Color)
	assert.Equal(t, "white", MarkerStyle(MarkerLandmark).Color)
	assert.Equal(t, "landmark", MarkerStyle("unknown").Label)
}

func TestMapData_JSONShape(t *testing.T) {
	data, err := json.Marshal(EmptyMapData())
	require.NoError(t, err)
	assert.JSONEq(t, `{"backgroundImage":null,"markers":[]}`, string(data))

	m := MapData{
		BackgroundImage: StringPtr("https://cdn/maps/world.png"),
		Markers:         []LocationMarker{{ID: "1", X: 1, Y: 2, Title: "t", Description: "d", Type: MarkerShop}},
	}
	data, err = json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, `{"backgroundImage":"https://cdn/maps/world.png","markers":[{"id":"1","x":1,"y":2,"title":"t","description":"d","type":"shop"}]}`, string(data))
}

func TestMapData_CloneIsDeep(t *testing.T) {
	orig := MapData{
		BackgroundImage: StringPtr("a"),
		Markers:         []LocationMarker{{ID: "1", Title: "one"}},
	}
	c := orig.Clone()
	*c.BackgroundImage = "b"
	c.Markers[0].Title = "changed"

	assert.Equal(t, "a", orig.Background())
	assert.Equal(t, "one", orig.Markers[0].Title)
}

func TestMapData_Marker(t *testing.T) {
	d := MapData{Markers: []LocationMarker{{ID: "x"}, {ID: "y"}}}
	assert.True(t, d.HasMarker("y"))
	assert.False(t, d.HasMarker("z"))
	assert.Equal(t, "", EmptyMapData().Background())
}
