package models

// Color is one of the sixteen trade-bloc colors.
type Color string

const (
	ColorAqua   Color = "aqua"
	ColorBlack  Color = "black"
	ColorBlue   Color = "blue"
	ColorBrown  Color = "brown"
	ColorGreen  Color = "green"
	ColorLime   Color = "lime"
	ColorMaroon Color = "maroon"
	ColorOlive  Color = "olive"
	ColorOrange Color = "orange"
	ColorPink   Color = "pink"
	ColorPurple Color = "purple"
	ColorRed    Color = "red"
	ColorWhite  Color = "white"
	ColorYellow Color = "yellow"
	ColorBeige  Color = "beige"
	ColorGray   Color = "gray"
)

// Continent is the two-letter continent code.
type Continent string

const (
	ContinentNorthAmerica Continent = "na"
	ContinentSouthAmerica Continent = "sa"
	ContinentEurope       Continent = "eu"
	ContinentAfrica       Continent = "af"
	ContinentAsia         Continent = "as"
	ContinentAustralia    Continent = "au"
	ContinentAntarctica   Continent = "an"
)

// WarPolicy is a nation's war policy.
type WarPolicy string

const (
	WarPolicyAttrition  WarPolicy = "ATTRITION"
	WarPolicyTurtle     WarPolicy = "TURTLE"
	WarPolicyBlitzkrieg WarPolicy = "BLITZKRIEG"
	WarPolicyFortress   WarPolicy = "FORTRESS"
	WarPolicyMoneybags  WarPolicy = "MONEYBAGS"
	WarPolicyPirate     WarPolicy = "PIRATE"
	WarPolicyTactician  WarPolicy = "TACTICIAN"
	WarPolicyGuardian   WarPolicy = "GUARDIAN"
	WarPolicyCovert     WarPolicy = "COVERT"
	WarPolicyArcane     WarPolicy = "ARCANE"
)

// DomesticPolicy is a nation's domestic policy.
type DomesticPolicy string

const (
	DomesticPolicyManifestDestiny DomesticPolicy = "MANIFEST_DESTINY"
	DomesticPolicyOpenMarkets     DomesticPolicy = "OPEN_MARKETS"
	DomesticPolicyTechAdvancement DomesticPolicy = "TECHNOLOGICAL_ADVANCEMENT"
	DomesticPolicyImperialism     DomesticPolicy = "IMPERIALISM"
	DomesticPolicyUrbanization    DomesticPolicy = "URBANIZATION"
	DomesticPolicyRapidExpansion  DomesticPolicy = "RAPID_EXPANSION"
)

// WarType classifies a war.
type WarType string

const (
	WarTypeOrdinary  WarType = "ORDINARY"
	WarTypeAttrition WarType = "ATTRITION"
	WarTypeRaid      WarType = "RAID"
)
