package cmd

// DefaultProjectConfigFilename describes the default config filename for a given project folder.
const DefaultProjectConfigFilename = "keel.json"

// DefaultEnvironmentFilename describes the .env file loaded from the project folder, if present.
const DefaultEnvironmentFilename = ".env"
