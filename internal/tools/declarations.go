package tools

// Declaration describes a callable tool in the session setup. Parameters is
// an OpenAPI-style schema object.
type Declaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

func stringParam(name, description string) map[string]any {
	return map[string]any{
		"type": "OBJECT",
		"properties": map[string]any{
			name: map[string]any{"type": "STRING", "description": description},
		},
		"required": []string{name},
	}
}

// Declarations lists the tools the dispatcher can execute.
func Declarations() []Declaration {
	return []Declaration{
		{
			Name:        NameSearch,
			Description: "Search the web for current information and cite the sources.",
			Parameters:  stringParam("query", "The search query."),
		},
		{
			Name:        NameGenerateImage,
			Description: "Generate a new image from a text description and show it to the user.",
			Parameters:  stringParam("prompt", "Description of the image to create."),
		},
		{
			Name:        NameReimagineImage,
			Description: "Transform the current camera view according to an instruction and show the result.",
			Parameters:  stringParam("prompt", "How to change the camera image."),
		},
	}
}
