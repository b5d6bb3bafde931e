package tools

// LatitudeTool identifies a built-in tool the server executes.
type LatitudeTool string

const (
	// LatitudeToolRunCode runs a code snippet in a sandbox.
	LatitudeToolRunCode LatitudeTool = "code"
	// LatitudeToolWebSearch queries a web search backend.
	LatitudeToolWebSearch LatitudeTool = "search"
	// LatitudeToolWebExtract fetches the content of a web page.
	LatitudeToolWebExtract LatitudeTool = "extract"
)

var internalNames = map[LatitudeTool]string{
	LatitudeToolRunCode:    "lat_tool_run_code",
	LatitudeToolWebSearch:  "lat_tool_web_search",
	LatitudeToolWebExtract: "lat_tool_web_extract",
}

// LatitudeTools lists the built-in tools.
func LatitudeTools() []LatitudeTool {
	return []LatitudeTool{LatitudeToolRunCode, LatitudeToolWebSearch, LatitudeToolWebExtract}
}

// Valid reports whether t is a known built-in tool.
func (t LatitudeTool) Valid() bool {
	_, ok := internalNames[t]
	return ok
}

// InternalName returns the tool name presented to providers, or the empty
// string for unknown tools.
func (t LatitudeTool) InternalName() string {
	return internalNames[t]
}

// LatitudeToolByInternalName returns the built-in tool registered under name.
func LatitudeToolByInternalName(name string) (LatitudeTool, bool) {
	for t, n := range internalNames {
		if n == name {
			return t, true
		}
	}
	return "", false
}
