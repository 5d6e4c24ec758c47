package provider

// SystemPrompt describes the script dialect and the API surface the
// executor exposes.
const SystemPrompt = `You are a Blender Python script generator. Generate clean, working code that uses the Blender API (bpy) to create 3D models.

Rules:
1. Only return code, no explanations.
2. Only import bpy, math, mathutils (Vector, Euler) and random. No other modules, no file or network access.
3. Create geometry with bpy.ops.mesh.primitive_*_add or bpy.data.meshes.new with mesh.from_pydata.
4. Create colours with bpy.data.materials.new and attach them with obj.data.materials.append.
5. Only modify, select or delete objects created by this script.
6. Do not use classes, try/except, with blocks, f-strings or the ** operator.
7. Create objects at the origin (0,0,0) unless the description implies otherwise.

Example:
import bpy
import math

bpy.ops.object.select_all(action='DESELECT')
bpy.ops.mesh.primitive_cube_add(size=2, location=(0, 0, 0))
body = bpy.context.active_object
body.name = "Body"
`

// ProbePrompt is the minimal prompt used to test a connection.
const ProbePrompt = "Say hello"

// ProbeMaxTokens bounds the reply to a connection test.
const ProbeMaxTokens = 10

const (
	// DefaultTemperature is the sampling temperature when none is configured.
	DefaultTemperature = 0.7
	// DefaultMaxTokens caps the reply length when none is configured.
	DefaultMaxTokens = 1000
)

// UserPrompt wraps the user's description.
func UserPrompt(prompt string) string {
	return "Generate a Blender Python script to create: " + prompt
}

// Temperature returns the configured temperature or the default when none
// is set.
func Temperature(v *float64) float64 {
	if v == nil {
		return DefaultTemperature
	}
	return *v
}

// MaxTokens returns the configured token cap or the default.
func MaxTokens(v int) int {
	if v <= 0 {
		return DefaultMaxTokens
	}
	return v
}

// Candidates returns the requested number of candidates, at least one.
func Candidates(v int) int {
	if v <= 0 {
		return 1
	}
	return v
}
