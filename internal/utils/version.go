package utils

// Version is the otto release version reported by the CLI.
const Version = "0.4.1"
