package types

// Version is the spriteforge release version.
const Version = "0.1.0"
