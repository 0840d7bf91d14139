package mapstats

// Closed thing-type and linedef-special tables for vanilla Doom / Doom II.
// Mod-specific identifiers outside these tables are ignored on purpose.

var keyThingNames = map[int16]string{
	5:  "blue",
	6:  "yellow",
	13: "red",
	38: "red_skull",
	39: "yellow_skull",
	40: "blue_skull",
}

var monsterThingNames = map[int16]string{
	3004: "zombieman",
	9:    "shotgun_guy",
	65:   "chaingun_guy",
	3001: "imp",
	3002: "demon",
	58:   "spectre",
	3005: "cacodemon",
	3006: "lost_soul",
	16:   "cyberdemon",
	7:    "spider_mastermind",
	64:   "archvile",
	66:   "revenant",
	67:   "mancubus",
	68:   "arachnotron",
	69:   "hell_knight",
	71:   "pain_elemental",
	3003: "baron",
}

var pickupThingNames = map[int16]string{
	2001: "shotgun",
	2002: "chaingun",
	2003: "rocket_launcher",
	2004: "plasma_rifle",
	2005: "chainsaw",
	2006: "bfg9000",
	82:   "super_shotgun",
	2007: "clip",
	2008: "shells",
	2010: "rocket",
	2047: "energy_cell",
	2048: "ammo_box",
	2049: "shell_box",
	2046: "rocket_box",
	17:   "energy_pack",
	8:    "backpack",
	2013: "soulsphere",
	2011: "stimpack",
	2012: "medikit",
	2014: "health_bonus",
	2015: "armor_bonus",
	2018: "green_armor",
	2019: "blue_armor",
	2022: "invulnerability",
	2023: "berserk",
	2024: "invisibility",
	2025: "radiation_suit",
	2026: "computer_map",
	2045: "light_goggles",
}

var teleportSpecials = map[int16]bool{
	39: true, 97: true, 125: true, 126: true, 174: true, 195: true,
}

var secretExitSpecials = map[int16]bool{
	51: true, 124: true, 198: true,
}
